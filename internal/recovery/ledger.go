// Package recovery implements the protocol-level reaction to peers that
// could not decrypt our messages: resend requests, decryption-error
// reports, session archival and reset, and the sender-key/null-message
// fallbacks. All recovery state is process-local and safe to lose on
// restart; recovery is best-effort.
package recovery

import "sync"

// Ledger caps duplicate recovery attempts. Keys are original message
// timestamps; the counter is monotonically non-decreasing for the
// process lifetime and never persisted.
type Ledger interface {
	// IncrementAndGet atomically bumps the counter for key and returns
	// the new value. Atomic so a burst of duplicate signals cannot race
	// past the limit.
	IncrementAndGet(key uint64) int
}

// MemoryLedger is the in-process Ledger. The key universe is bounded by
// recently-seen message timestamps, so the map stays small in practice.
type MemoryLedger struct {
	mu     sync.Mutex
	counts map[uint64]int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counts: make(map[uint64]int)}
}

// IncrementAndGet implements Ledger.
func (l *MemoryLedger) IncrementAndGet(key uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key]++
	return l.counts[key]
}

// Count returns the current counter for key without incrementing.
func (l *MemoryLedger) Count(key uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}
