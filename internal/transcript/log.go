// Package transcript keeps the ordered conversation transcript shown to
// the user.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is one line of the transcript.
type Entry struct {
	Seq  uint64
	Role Role
	Text string
	// Tool marks user queries the service issued through a tool call.
	Tool bool
	Time time.Time
}

// Log is an append-only transcript. When a limit is set the oldest
// entries are evicted; sequence numbers keep increasing.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	next    uint64
	limit   int
	now     func() time.Time
}

// NewLog creates a Log keeping at most limit entries (0 for no limit).
func NewLog(limit int) *Log {
	return &Log{limit: limit, next: 1, now: time.Now}
}

// Append records text under role. Blank text is ignored and reported
// with ok=false.
func (l *Log) Append(role Role, text string, tool bool) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{Seq: l.next, Role: role, Text: text, Tool: tool, Time: l.now()}
	l.next++
	l.entries = append(l.entries, e)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = append(l.entries[:0:0], l.entries[len(l.entries)-l.limit:]...)
	}
	return e, true
}

// Entries returns a copy of the retained entries in order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Since returns retained entries with Seq greater than seq.
func (l *Log) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, e := range l.entries {
		if e.Seq > seq {
			return append([]Entry(nil), l.entries[i:]...)
		}
	}
	return nil
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
