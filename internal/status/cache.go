// internal/status/cache.go
//
// Last-known authoritative player record, keyed by the tracked wallet address.
// Responsibilities:
//   - Invalidate synchronously when the tracked address changes, so a previous
//     player's record is never visible under a new address.
//   - Refresh from the ledger with a bounded fixed-backoff retry policy.
//   - Hand out whole-record snapshots; the record is only ever replaced, never patched.
//
// While a refresh is retrying, the previous record stays visible and is marked stale.

package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/rhythm-mint/internal/ledger"
)

const (
	DefaultRetries = 3
	DefaultBackoff = time.Second
)

// ErrSuperseded is returned when the cache was invalidated while a refresh was in flight.
var ErrSuperseded = errors.New("status refresh superseded")

// Reader is the slice of ledger.ChainClient the cache needs.
type Reader interface {
	ReadPlayerStatus(ctx context.Context, player common.Address) (ledger.PlayerRecord, error)
}

// Snapshot is a consistent view of the cache.
type Snapshot struct {
	Address common.Address       `json:"address"`
	Record  *ledger.PlayerRecord `json:"record,omitempty"`
	Stale   bool                 `json:"stale"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithRetries sets how many retries follow a failed read.
func WithRetries(n uint) Option { return func(c *Cache) { c.retries = n } }

// WithBackoff sets the fixed delay between attempts.
func WithBackoff(d time.Duration) Option { return func(c *Cache) { c.backoff = d } }

// Cache is the player status cache. Safe for concurrent use.
type Cache struct {
	reader  Reader
	retries uint
	backoff time.Duration

	mu     sync.RWMutex
	addr   common.Address
	record *ledger.PlayerRecord
	stale  bool
	gen    uint64 // bumped on every invalidation
}

// New constructs a Cache reading through r.
func New(r Reader, opts ...Option) *Cache {
	c := &Cache{reader: r, retries: DefaultRetries, backoff: DefaultBackoff}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Track switches the tracked address. A different address clears the record immediately.
func (c *Cache) Track(addr common.Address) { c.track(addr) }

// track returns the generation observed under the same lock as the switch.
func (c *Cache) track(addr common.Address) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr != c.addr {
		c.addr = addr
		c.clearLocked()
	}
	return c.gen
}

// Invalidate drops the record for the current address.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	c.record = nil
	c.stale = false
	c.gen++
}

// Snapshot returns the current view. Record is a private copy.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{Address: c.addr, Stale: c.stale}
	if c.record != nil {
		rec := *c.record
		s.Record = &rec
	}
	return s
}

// Record returns the cached record for the tracked address, if present.
func (c *Cache) Record() (ledger.PlayerRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.record == nil {
		return ledger.PlayerRecord{}, false
	}
	return *c.record, true
}

// Refresh re-reads the record for addr. The zero address clears the cache.
// Read failures are retried; the last error (wrapping ledger.ErrRead) surfaces after
// the retries are exhausted.
func (c *Cache) Refresh(ctx context.Context, addr common.Address) (*ledger.PlayerRecord, error) {
	gen := c.track(addr)
	if addr == (common.Address{}) {
		return nil, nil
	}

	rec, err := backoff.Retry(ctx,
		func() (ledger.PlayerRecord, error) { return c.reader.ReadPlayerStatus(ctx, addr) },
		backoff.WithBackOff(backoff.NewConstantBackOff(c.backoff)),
		backoff.WithMaxTries(c.retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("address", addr.Hex()).Dur("retryIn", next).Msg("player status read failed")
			c.markStale(gen)
		}),
	)
	if err != nil {
		c.markStale(gen)
		log.Warn().Err(err).Str("address", addr.Hex()).Msg("player status unavailable")
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.addr != addr {
		return nil, ErrSuperseded
	}
	c.record = &rec
	c.stale = false
	out := rec
	return &out, nil
}

func (c *Cache) markStale(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && c.record != nil {
		c.stale = true
	}
}
