// Package activity keeps the bounded, most-recent-first audit trail shown to
// observers of the capture pipeline and the pattern lifecycle.
package activity

import (
	"sync"
	"time"

	"github.com/flowmint/flowmint/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultCapacity matches the number of lines the dashboard renders.
const DefaultCapacity = 20

// Logger is the write side of the sink, taken by components that only emit.
type Logger interface {
	Add(message string, typ models.LogType) models.LogEntry
}

// Sink is a thread-safe bounded log. The newest entry is at index 0 and the
// oldest is evicted once capacity is reached.
type Sink struct {
	mu          sync.RWMutex
	entries     []models.LogEntry
	capacity    int
	subscribers map[chan models.LogEntry]struct{}
	now         func() time.Time
}

// NewSink creates a sink retaining up to capacity entries.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{
		entries:     make([]models.LogEntry, 0, capacity),
		capacity:    capacity,
		subscribers: make(map[chan models.LogEntry]struct{}),
		now:         time.Now,
	}
}

// Add records a message and broadcasts it to subscribers. An empty type
// defaults to info.
func (s *Sink) Add(message string, typ models.LogType) models.LogEntry {
	if typ == "" {
		typ = models.LogInfo
	}
	at := s.now()
	entry := models.LogEntry{
		ID:        uuid.New().String(),
		Message:   message,
		Timestamp: at.Format("15:04:05"),
		Type:      typ,
		CreatedAt: at.UTC(),
	}

	s.mu.Lock()
	if len(s.entries) >= s.capacity {
		s.entries = s.entries[:s.capacity-1]
	}
	s.entries = append(s.entries, models.LogEntry{})
	copy(s.entries[1:], s.entries)
	s.entries[0] = entry

	for ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
			// slow subscriber misses this entry
		}
	}
	s.mu.Unlock()

	log.Debug().Str("type", string(typ)).Str("message", message).Msg("activity")
	return entry
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (s *Sink) Recent(n int) []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]models.LogEntry, n)
	copy(out, s.entries[:n])
	return out
}

// Len reports the number of retained entries.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe returns a channel receiving new entries as they are added.
// Call Unsubscribe when done.
func (s *Sink) Subscribe() chan models.LogEntry {
	ch := make(chan models.LogEntry, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (s *Sink) Unsubscribe(ch chan models.LogEntry) {
	s.mu.Lock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.mu.Unlock()
}
