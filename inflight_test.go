package didpay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlightAdd(t *testing.T) {
	assert := assert.New(t)

	infl := NewInFlight(0)
	seq, ok := infl.Add([]string{"cid-a"})
	assert.True(ok)
	assert.Equal(int64(1), seq)
	_, ok = infl.Add([]string{"cid-a"})
	assert.False(ok, "same delegation twice")
	seq, ok = infl.Add([]string{"cid-b", "cid-c"})
	assert.True(ok)
	assert.Equal(int64(2), seq)

	// all-or-nothing
	_, ok = infl.Add([]string{"cid-d", "cid-c"})
	assert.False(ok)
	assert.False(infl.Contains("cid-d"))
	assert.Equal(2, infl.Len())
}

func TestInFlightSettledWatermark(t *testing.T) {
	assert := assert.New(t)

	infl := NewInFlight(0)
	for i := int64(1); i <= 5; i++ {
		seq, ok := infl.Add([]string{fmt.Sprintf("cid-%d", i)})
		require.True(t, ok)
		require.Equal(t, i, seq)
	}
	assert.Equal(int64(0), infl.Settled())

	infl.Remove([]string{"cid-2"}, 2)
	assert.Equal(int64(0), infl.Settled())

	infl.Remove([]string{"cid-4"}, 4)
	assert.Equal(int64(0), infl.Settled())

	infl.Remove([]string{"cid-1"}, 1)
	assert.Equal(int64(2), infl.Settled())

	infl.Remove([]string{"cid-3"}, 3)
	assert.Equal(int64(4), infl.Settled())

	infl.Remove([]string{"cid-5"}, 5)
	assert.Equal(int64(5), infl.Settled())
	assert.Zero(infl.Len())

	// removed delegations can be redeemed again
	seq, ok := infl.Add([]string{"cid-1"})
	assert.True(ok)
	assert.Equal(int64(6), seq)
}

func TestInFlightRemoveUnknown(t *testing.T) {
	infl := NewInFlight(10)
	infl.Remove([]string{"nope"}, 11)
	assert.Equal(t, int64(10), infl.Settled())
}

func TestInFlightConcurrent(t *testing.T) {
	infl := NewInFlight(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := infl.Add([]string{"shared"}); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestInFlightConcurrentWatermark(t *testing.T) {
	infl := NewInFlight(0)
	const n = 50

	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, ok := infl.Add([]string{fmt.Sprintf("cid-%d", i)})
			if ok {
				seqs <- seq
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for s := range seqs {
		seen[s] = true
	}
	require.Len(t, seen, n)
	for s := int64(1); s <= n; s++ {
		assert.True(t, seen[s], "seq %d assigned", s)
	}

	// finishing everything but the lowest leaves the watermark behind it
	for s := int64(2); s <= n; s++ {
		infl.Remove(nil, s)
	}
	assert.Equal(t, int64(0), infl.Settled())
	infl.Remove(nil, 1)
	assert.Equal(t, int64(n), infl.Settled())
}
