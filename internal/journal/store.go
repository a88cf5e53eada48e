// internal/journal/store.go
//
// Append-only journal of transaction lifecycle events and score outcomes.
// This is an audit trail for the history view; it is never read back into session state.
//
// Characteristics:
//   - Store interface with an in-memory implementation (this file) and SQLite (sqlite.go).
//   - Memory store is concurrency-safe via RWMutex and loses state on restart.

package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit caps Recent when no limit is given.
const DefaultLimit = 20

// Entry is one journal row.
type Entry struct {
	ID        string    `json:"id"`
	Player    string    `json:"player"`
	Kind      string    `json:"kind"`
	TxHash    string    `json:"tx,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Score     uint64    `json:"score,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists journal entries.
type Store interface {
	// Append records e. Missing ID and CreatedAt are filled in.
	Append(ctx context.Context, e Entry) error

	// Recent returns the newest entries for player, newest first.
	Recent(ctx context.Context, player string, limit int) ([]Entry, error)
}

func normalize(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

// memory is a slice-backed Store.
type memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore() Store {
	return &memory{}
}

func (m *memory) Append(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, normalize(e))
	return nil
}

func (m *memory) Recent(ctx context.Context, player string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Player == player {
			out = append(out, m.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
