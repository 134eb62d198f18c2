// internal/eventlog/store.go
package eventlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is how many entries a Store keeps before evicting the oldest
const DefaultCapacity = 100

// ClearedMessage is the marker entry appended by Clear
const ClearedMessage = "Logs cleared"

// Severity classifies an entry
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Error
)

var severityNames = [...]string{"info", "success", "warning", "error"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText encodes the severity as its lowercase name
func (s Severity) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(severityNames) {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

// UnmarshalText accepts the lowercase name, case-insensitively
func (s *Severity) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range severityNames {
		if n == name {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(text))
}

// Entry is one immutable log record
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
}

// Store is a bounded, newest-first event log. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	entries  []Entry // newest first
	capacity int
	now      func() time.Time
}

// New creates a store holding at most capacity entries. A non-positive
// capacity means DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append records a new entry at the front and evicts from the back once the
// store exceeds its capacity.
func (s *Store) Append(message string, severity Severity) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(message, severity)
}

// Clear empties the store and then appends the informational ClearedMessage
func (s *Store) Clear() Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.entries)
	s.entries = s.entries[:0]
	return s.insertLocked(ClearedMessage, Info)
}

func (s *Store) insertLocked(message string, severity Severity) Entry {
	entry := Entry{
		ID:        uuid.New(),
		Timestamp: s.now(),
		Message:   message,
		Severity:  severity,
	}

	s.entries = append(s.entries, Entry{})
	copy(s.entries[1:], s.entries)
	s.entries[0] = entry
	if len(s.entries) > s.capacity {
		s.entries[len(s.entries)-1] = Entry{}
		s.entries = s.entries[:s.capacity]
	}
	return entry
}

// Snapshot returns a copy of the entries, newest first
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored entries
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the eviction bound
func (s *Store) Capacity() int {
	return s.capacity
}
