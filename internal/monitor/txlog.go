package monitor

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultTxLogCapacity bounds the recent-activity list.
const DefaultTxLogCapacity = 10

// TxEntry is one observed activity transaction.
type TxEntry struct {
	Hash        common.Hash
	Kind        string
	BlockNumber uint64
	Timestamp   time.Time
}

// TxLog is a bounded, most-recent-first list of transactions keyed by hash.
// Safe for concurrent use.
type TxLog struct {
	mu       sync.Mutex
	capacity int
	entries  []TxEntry
}

// NewTxLog returns an empty log. A non-positive capacity uses the default.
func NewTxLog(capacity int) *TxLog {
	if capacity <= 0 {
		capacity = DefaultTxLogCapacity
	}
	return &TxLog{capacity: capacity, entries: make([]TxEntry, 0, capacity)}
}

// Add records e as the most recent entry and evicts the oldest once the log
// is over capacity. A hash already present is ignored so repeated scans of
// the same block window keep their order. It reports whether e was added.
func (l *TxLog) Add(e TxEntry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, have := range l.entries {
		if have.Hash == e.Hash {
			return false
		}
	}
	l.entries = append(l.entries, TxEntry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = e
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	return true
}

// Entries returns a copy, most recent first.
func (l *TxLog) Entries() []TxEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TxEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries held.
func (l *TxLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
