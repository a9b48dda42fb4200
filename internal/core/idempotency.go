package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/stakelane/betcore-go/internal/platform/clock"
)

// idempotencyRecord stores the outcome of a money-moving call so a retry
// with the same key returns the original response instead of re-applying.
type idempotencyRecord struct {
	scope       string
	requestHash string
	response    []byte
	storedAt    time.Time
}

// IdempotencyStore keys records by scope|key where scope binds the key to
// one wallet and operation. Replaying the same key with a different
// request body is a client bug and is rejected outright.
type IdempotencyStore struct {
	Clock clock.Clock
	TTL   time.Duration

	mu      sync.Mutex
	records map[string]*idempotencyRecord
}

func NewIdempotencyStore(clk clock.Clock, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{
		Clock:   clk,
		TTL:     ttl,
		records: make(map[string]*idempotencyRecord),
	}
}

func (s *IdempotencyStore) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func idempotencyScope(walletID, op string) string {
	return walletID + "|" + op
}

func hashRequest(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Check returns the stored response for (scope, key) if present and fresh.
// A hash mismatch means the caller reused the key for a different request.
func (s *IdempotencyStore) Check(scope, key, requestHash string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scope+"|"+key]
	if !ok {
		return nil, false, nil
	}
	if s.now().Sub(rec.storedAt) > s.TTL {
		delete(s.records, scope+"|"+key)
		return nil, false, nil
	}
	if rec.requestHash != requestHash {
		return nil, false, ErrIdempotencyReuse
	}
	return rec.response, true, nil
}

func (s *IdempotencyStore) Store(scope, key, requestHash string, response []byte) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[scope+"|"+key] = &idempotencyRecord{
		scope:       scope,
		requestHash: requestHash,
		response:    response,
		storedAt:    s.now(),
	}
}

func (s *IdempotencyStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, rec := range s.records {
		if now.Sub(rec.storedAt) > s.TTL {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired records every interval until stop is closed.
func (s *IdempotencyStore) StartCleanup(interval time.Duration, stop <-chan struct{}, logger func(string, ...any)) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := s.sweep(); n > 0 && logger != nil {
					logger("idempotency cleanup removed records", "count", n)
				}
			}
		}
	}()
}
