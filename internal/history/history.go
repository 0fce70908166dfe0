package history

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of the conversation produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultCap is the number of entries retained before FIFO eviction kicks in.
const DefaultCap = 30

// Entry is one utterance in the conversation log. Immutable once appended.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is a bounded, ordered conversation log. Insertion order is
// chronological order. It is not safe for concurrent use; the owning session
// serializes access.
type Log struct {
	entries []Entry
	cap     int
	now     func() time.Time
}

// NewLog creates a log holding at most cap entries. A cap <= 0 falls back to
// DefaultCap.
func NewLog(cap int) *Log {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Log{cap: cap, now: time.Now}
}

// Append pushes a new entry, evicting the oldest entries if the cap is
// exceeded. Whitespace-only text is never recorded. Returns how many entries
// were evicted, for observability.
func (l *Log) Append(role Role, text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	l.entries = append(l.entries, Entry{
		Role:      role,
		Text:      text,
		CreatedAt: l.now(),
	})

	evicted := 0
	if len(l.entries) > l.cap {
		evicted = len(l.entries) - l.cap
		copy(l.entries, l.entries[evicted:])
		l.entries = l.entries[:l.cap]
	}
	return evicted
}

// Render produces the context-priming block injected into the setup handshake
// after a reconnect. An empty log renders to an empty string so the priming
// text never implies a history that does not exist.
func (l *Log) Render() string {
	if len(l.entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Previous conversation history:\n")
	for _, e := range l.entries {
		label := "User"
		if e.Role == RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, e.Text)
	}
	b.WriteString("\nContinue the conversation preserving continuity with the history above. Do not restate it verbatim.")
	return b.String()
}

// Clear drops all entries.
func (l *Log) Clear() {
	l.entries = nil
}

// Len reports the number of retained entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Chars reports the total text size across entries, for introspection.
func (l *Log) Chars() int {
	n := 0
	for _, e := range l.entries {
		n += len(e.Text)
	}
	return n
}

// Entries returns a copy of the retained entries in chronological order.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
