// Package history keeps the most recent completed downloads for display.
// Nothing is persisted; a restart starts with an empty log.
package history

import (
	"sync"
	"time"
)

// MaxEntries is how many downloads the log remembers.
const MaxEntries = 15

type Entry struct {
	Filename  string    `json:"filename"`
	Quality   string    `json:"quality"`
	Container string    `json:"container"`
	Mode      string    `json:"mode"`
	Link      string    `json:"link,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is a bounded most-recent-first list. Entries are stored by value and
// never modified after Record.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
}

func New() *Log {
	return &Log{limit: MaxEntries, entries: make([]Entry, 0, MaxEntries)}
}

// Record puts e at the front, dropping the oldest entry when full.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if n >= l.limit {
		n = l.limit - 1
	}
	next := make([]Entry, 0, l.limit)
	next = append(next, e)
	next = append(next, l.entries[:n]...)
	l.entries = next
}

// List returns a copy of the entries, most recent first.
func (l *Log) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
