// Package redemption enforces exactly-once redemption of settlement
// transactions. A transaction hash maps to at most one request id, ever;
// the set only grows. All backends implement the check-and-insert as a
// single atomic operation so two callers racing on the same proof cannot
// both win.
package redemption

import (
	"context"
	"strings"
	"sync"
)

// Outcome of a redemption attempt.
type Outcome int

const (
	// Redeemed: the hash was unused and is now bound to the request id.
	Redeemed Outcome = iota
	// AlreadyRedeemedSame: the hash was already bound to this request id.
	// Safe retry of an accepted call.
	AlreadyRedeemedSame
	// AlreadyRedeemedOther: the hash is bound to a different request id.
	AlreadyRedeemedOther
)

// Set is the durable redemption record.
type Set interface {
	// Redeem atomically binds txHash to requestID unless a binding
	// already exists, and reports which case occurred.
	Redeem(ctx context.Context, txHash, requestID string) (Outcome, error)
	Close() error
}

// normalizeHash lowercases the hash so 0xABC and 0xabc cannot be redeemed
// twice.
func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// MemorySet is the in-process backend. Suitable for tests and single
// instance deployments that accept losing the set on restart.
type MemorySet struct {
	mu       sync.Mutex
	redeemed map[string]string
}

func NewMemorySet() *MemorySet {
	return &MemorySet{redeemed: make(map[string]string)}
}

func (m *MemorySet) Redeem(_ context.Context, txHash, requestID string) (Outcome, error) {
	key := normalizeHash(txHash)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.redeemed[key]; ok {
		if existing == requestID {
			return AlreadyRedeemedSame, nil
		}
		return AlreadyRedeemedOther, nil
	}
	m.redeemed[key] = requestID
	return Redeemed, nil
}

func (m *MemorySet) Close() error { return nil }

// Len reports the number of redeemed transactions. Every accepted hash
// is retained forever.
func (m *MemorySet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redeemed)
}
