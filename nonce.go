package didpay

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ERC-4337 nonces are a 192 bit key and a 64 bit sequence: nonce = key<<64 | seq
const nonceSeqBits = 64

// NonceSource allocates user operation nonces for an account.
type NonceSource interface {
	// key scopes the nonce to a caller-chosen key space; nil lets the source pick a fresh key
	NextNonce(account common.Address, key *big.Int) (*big.Int, error)
}

// NonceAllocator hands out a fresh nonce key per redemption, derived from the
// clock but strictly increasing per account, always with sequence zero.
type NonceAllocator struct {
	last map[common.Address]uint64
	lock sync.Mutex

	now func() time.Time
}

var _ NonceSource = (*NonceAllocator)(nil)

func NewNonceAllocator() *NonceAllocator {
	return &NonceAllocator{
		last: make(map[common.Address]uint64),
		now:  time.Now,
	}
}

func (a *NonceAllocator) NextNonce(account common.Address, key *big.Int) (*big.Int, error) {
	if key != nil {
		if key.Sign() < 0 || key.BitLen() > 192 {
			return nil, fmt.Errorf("%w: nonce key out of range", ErrInvalidSigningInput)
		}
		return ComposeNonce(key, 0), nil
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	k := uint64(a.now().UnixMilli())
	if last, ok := a.last[account]; ok && k <= last {
		k = last + 1
	}
	a.last[account] = k
	return ComposeNonce(new(big.Int).SetUint64(k), 0), nil
}

func ComposeNonce(key *big.Int, seq uint64) *big.Int {
	n := new(big.Int).Lsh(key, nonceSeqBits)
	return n.Or(n, new(big.Int).SetUint64(seq))
}

// SplitNonce is the inverse of ComposeNonce.
func SplitNonce(nonce *big.Int) (*big.Int, uint64) {
	key := new(big.Int).Rsh(nonce, nonceSeqBits)
	mask := new(big.Int).SetUint64(^uint64(0))
	return key, new(big.Int).And(nonce, mask).Uint64()
}

// FixedNonce always returns the same nonce. Relays reject the reuse, which makes it useful for replay tests.
type FixedNonce struct {
	Nonce *big.Int
}

func (f FixedNonce) NextNonce(account common.Address, key *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.Nonce), nil
}
