package didpay

import (
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/sets/treeset"
)

/*

Tracks redemptions between submission and settlement (inclusion or failure).

Constraints:

- seqs are assigned by Add, under the lock, in ascending order
- a delegation CID may be part of at most one in-flight redemption

*/

type InFlight struct {
	settled int64 // all redemptions with seq <= this value have finished
	last    int64 // most recently assigned seq
	cids    *hashset.Set
	seqs    *treeset.Set // treeset means we can find the minimum efficiently
	removed *treeset.Set // seqs that have finished but are ahead of the watermark
	lock    sync.RWMutex
}

func int64Comparator(a, b interface{}) int {
	aInt := a.(int64)
	bInt := b.(int64)
	if aInt < bInt {
		return -1
	} else if aInt > bInt {
		return 1
	}
	return 0
}

func NewInFlight(settled int64) *InFlight {
	return &InFlight{
		settled: settled,
		last:    settled,
		cids:    hashset.New(),
		seqs:    treeset.NewWith(int64Comparator),
		removed: treeset.NewWith(int64Comparator),
	}
}

// Settled returns the watermark: every redemption with seq at or below it has finished.
func (infl *InFlight) Settled() int64 {
	infl.lock.RLock()
	defer infl.lock.RUnlock()
	return infl.settled
}

func (infl *InFlight) Len() int {
	infl.lock.RLock()
	defer infl.lock.RUnlock()
	return infl.seqs.Size()
}

func (infl *InFlight) Contains(cid string) bool {
	infl.lock.RLock()
	defer infl.lock.RUnlock()
	return infl.cids.Contains(cid)
}

// Add registers a redemption of the given delegations and returns its seq.
// Returns false, and registers nothing, if any of them is already in flight.
func (infl *InFlight) Add(cids []string) (int64, bool) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	for _, c := range cids {
		if infl.cids.Contains(c) {
			return 0, false
		}
	}
	for _, c := range cids {
		infl.cids.Add(c)
	}
	infl.last++
	infl.seqs.Add(infl.last)
	return infl.last, true
}

// Remove always succeeds, and advances the settled watermark if appropriate.
func (infl *InFlight) Remove(cids []string, seq int64) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	if !infl.seqs.Contains(seq) {
		// if you reached here you're using the API wrong
		return
	}

	for _, c := range cids {
		infl.cids.Remove(c)
	}
	infl.seqs.Remove(seq)
	infl.removed.Add(seq)

	// drain: advance the watermark past finished seqs below the lowest in-flight one
	for {
		it := infl.removed.Iterator()
		if !it.First() {
			break
		}
		minRemoved := it.Value().(int64)

		inflIt := infl.seqs.Iterator()
		if inflIt.First() {
			minInflight := inflIt.Value().(int64)
			if minRemoved >= minInflight {
				break
			}
		}

		infl.settled = minRemoved
		infl.removed.Remove(minRemoved)
	}
}
