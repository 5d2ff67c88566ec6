// Package auth decides which chat accounts may act on the connected mailbox.
package auth

import (
	"sort"
	"sync"
)

// Service is an allowlist of chat account ids. Each allowed account speaks
// as the same assistant user, the mailbox owner.
type Service struct {
	mu      sync.RWMutex
	allowed map[int64]bool
	userID  string
}

func New(userID string, allowed []int64) *Service {
	s := &Service{allowed: make(map[int64]bool, len(allowed)), userID: userID}
	for _, id := range allowed {
		if id != 0 {
			s.allowed[id] = true
		}
	}
	return s
}

func (s *Service) IsAllowed(accountID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowed[accountID]
}

// UserFor maps an allowed account to the assistant user it acts as.
func (s *Service) UserFor(accountID int64) (string, bool) {
	if !s.IsAllowed(accountID) {
		return "", false
	}
	return s.userID, true
}

// AccountsFor lists the allowed accounts that act as userID, ascending.
func (s *Service) AccountsFor(userID string) []int64 {
	if userID != s.userID {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.allowed))
	for id := range s.allowed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allowed) == 0
}
