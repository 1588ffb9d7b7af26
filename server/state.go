package server

import (
	"sync"
	"time"
)

// ProviderState holds shared state between the Ledger and Server components.
type ProviderState struct {
	mu               sync.RWMutex
	lastRedemption   time.Time
	redemptionsTotal int64
	failuresTotal    int64
}

func NewProviderState() *ProviderState {
	return &ProviderState{}
}

func (s *ProviderState) RecordRedemption(t time.Time, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastRedemption) {
		s.lastRedemption = t
	}
	s.redemptionsTotal++
	if !success {
		s.failuresTotal++
	}
}

func (s *ProviderState) GetLastRedemptionTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRedemption
}

// Counts returns the number of redemptions seen, and how many of them failed.
func (s *ProviderState) Counts() (total, failed int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redemptionsTotal, s.failuresTotal
}
