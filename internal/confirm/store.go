// Package confirm holds tool calls that are paused until the user approves them.
package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/vaultchat/internal/domain"
)

// Store is an in-memory map of confirmation tokens to paused tool calls.
// Entries older than the TTL are treated as absent and removed by the evictor.
type Store struct {
	mu      sync.RWMutex
	entries map[string]domain.PendingConfirmation
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates a Store. A ttl of zero keeps entries until they are consumed.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		entries: make(map[string]domain.PendingConfirmation),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Set stores payload under token, replacing any previous entry.
func (s *Store) Set(token string, payload domain.PendingConfirmation) {
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = s.now()
	}
	payload.Token = token

	s.mu.Lock()
	s.entries[token] = payload
	s.mu.Unlock()
}

// Get returns the entry for token without consuming it.
func (s *Store) Get(token string) (domain.PendingConfirmation, bool) {
	s.mu.RLock()
	payload, ok := s.entries[token]
	s.mu.RUnlock()

	if !ok || s.expired(payload) {
		return domain.PendingConfirmation{}, false
	}
	return payload, true
}

// Take returns and removes the entry for token. Only one caller can take a given token.
func (s *Store) Take(token string) (domain.PendingConfirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.entries[token]
	if !ok {
		return domain.PendingConfirmation{}, false
	}
	delete(s.entries, token)
	if s.expired(payload) {
		return domain.PendingConfirmation{}, false
	}
	return payload, true
}

// Remove deletes the entry for token, if any.
func (s *Store) Remove(token string) {
	s.mu.Lock()
	delete(s.entries, token)
	s.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) expired(p domain.PendingConfirmation) bool {
	return s.ttl > 0 && s.now().Sub(p.CreatedAt) > s.ttl
}

// Sweep removes expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, payload := range s.entries {
		if s.expired(payload) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

// StartEvictor runs a background goroutine that periodically sweeps expired
// confirmations until ctx is canceled.
func (s *Store) StartEvictor(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Confirmation evictor started", "interval", interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					slog.Info("Confirmation evictor removed expired entries", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Confirmation evictor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
