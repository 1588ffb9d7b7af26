package didpay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultChallengeTTL = 5 * time.Minute

type challengeEntry struct {
	sender  string
	expires time.Time
}

// ChallengeRegistry issues unpredictable, single-use challenges. A challenge
// can be consumed at most once, and only before its TTL elapses.
type ChallengeRegistry struct {
	ttl    time.Duration
	issued map[string]challengeEntry
	lock   sync.Mutex

	// overridable for tests
	now func() time.Time
}

func NewChallengeRegistry(ttl time.Duration) *ChallengeRegistry {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeRegistry{
		ttl:    ttl,
		issued: make(map[string]challengeEntry),
		now:    time.Now,
	}
}

// Issue generates a fresh 32-byte challenge (hex encoded) for sender.
func (r *ChallengeRegistry) Issue(sender string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating challenge: %w", err)
	}
	challenge := hex.EncodeToString(buf)

	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.now()
	r.purge(now)
	r.issued[challenge] = challengeEntry{sender: sender, expires: now.Add(r.ttl)}
	return challenge, nil
}

// Valid reports whether challenge is outstanding, without consuming it.
func (r *ChallengeRegistry) Valid(challenge string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, ok := r.issued[challenge]
	return ok && r.now().Before(e.expires)
}

// ValidFor is Valid, and additionally requires that a challenge issued to a
// named sender is presented by that sender.
func (r *ChallengeRegistry) ValidFor(challenge, holder string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, ok := r.issued[challenge]
	if !ok || !r.now().Before(e.expires) {
		return false
	}
	return e.sender == "" || strings.EqualFold(e.sender, holder)
}

// Consume redeems a challenge, returning the sender it was issued to. Fails
// with ErrChallengeUnknown if it was never issued, already consumed, or expired.
func (r *ChallengeRegistry) Consume(challenge string) (string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, ok := r.issued[challenge]
	if !ok {
		return "", ErrChallengeUnknown
	}
	delete(r.issued, challenge)
	if !r.now().Before(e.expires) {
		return "", ErrChallengeUnknown
	}
	return e.sender, nil
}

// Len is the number of outstanding (possibly expired, not yet purged) challenges.
func (r *ChallengeRegistry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.issued)
}

// must hold lock
func (r *ChallengeRegistry) purge(now time.Time) {
	for k, e := range r.issued {
		if !now.Before(e.expires) {
			delete(r.issued, k)
		}
	}
}
