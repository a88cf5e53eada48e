package status

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robalobadob/rhythm-mint/internal/ledger"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// fakeReader serves fixed records and can fail or block reads.
type fakeReader struct {
	mu      sync.Mutex
	records map[common.Address]ledger.PlayerRecord
	fails   int
	calls   int
	gate    chan struct{} // when set, reads wait for it
}

func (f *fakeReader) ReadPlayerStatus(ctx context.Context, addr common.Address) (ledger.PlayerRecord, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ledger.PlayerRecord{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return ledger.PlayerRecord{}, fmt.Errorf("%w: boom", ledger.ErrRead)
	}
	return f.records[addr], nil
}

func newFake() *fakeReader {
	return &fakeReader{records: map[common.Address]ledger.PlayerRecord{
		alice: {Paid: true, HighestScore: 120, CanMintClosed: true},
		bob:   {HighestScore: 10},
	}}
}

func TestCache_RefreshIsIdempotent(t *testing.T) {
	c := New(newFake(), WithBackoff(time.Millisecond))
	first, err := c.Refresh(context.Background(), alice)
	require.NoError(t, err)
	second, err := c.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, *first, *second)

	snap := c.Snapshot()
	assert.Equal(t, alice, snap.Address)
	assert.False(t, snap.Stale)
	require.NotNil(t, snap.Record)
	assert.Equal(t, *first, *snap.Record)
}

func TestCache_ZeroAddressClears(t *testing.T) {
	c := New(newFake(), WithBackoff(time.Millisecond))
	_, err := c.Refresh(context.Background(), alice)
	require.NoError(t, err)

	rec, err := c.Refresh(context.Background(), common.Address{})
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, ok := c.Record()
	assert.False(t, ok)
}

func TestCache_RetriesThenSucceeds(t *testing.T) {
	r := newFake()
	r.fails = 3
	c := New(r, WithBackoff(time.Millisecond))
	rec, err := c.Refresh(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), rec.HighestScore)
	assert.Equal(t, 4, r.calls)
}

func TestCache_SurfacesReadErrorAndKeepsStaleValue(t *testing.T) {
	r := newFake()
	c := New(r, WithBackoff(time.Millisecond))
	_, err := c.Refresh(context.Background(), alice)
	require.NoError(t, err)

	r.mu.Lock()
	r.fails = 10
	r.calls = 0
	r.mu.Unlock()
	_, err = c.Refresh(context.Background(), alice)
	assert.ErrorIs(t, err, ledger.ErrRead)
	assert.Equal(t, 4, r.calls)

	snap := c.Snapshot()
	require.NotNil(t, snap.Record)
	assert.True(t, snap.Stale)
	assert.Equal(t, uint64(120), snap.Record.HighestScore)
}

func TestCache_AddressSwitchClearsBeforeFetchResolves(t *testing.T) {
	r := newFake()
	c := New(r, WithBackoff(time.Millisecond))
	_, err := c.Refresh(context.Background(), alice)
	require.NoError(t, err)

	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()

	done := make(chan error, 1)
	c.Track(bob)
	go func() {
		_, err := c.Refresh(context.Background(), bob)
		done <- err
	}()

	snap := c.Snapshot()
	assert.Equal(t, bob, snap.Address)
	assert.Nil(t, snap.Record, "previous player's record must not be visible")

	close(gate)
	require.NoError(t, <-done)
	rec, ok := c.Record()
	require.True(t, ok)
	assert.Equal(t, uint64(10), rec.HighestScore)
}

func TestCache_SupersededRefreshIsDiscarded(t *testing.T) {
	r := newFake()
	gate := make(chan struct{})
	r.gate = gate
	c := New(r, WithBackoff(time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), alice)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Snapshot().Address == alice }, time.Second, time.Millisecond)

	c.Track(bob)
	close(gate)
	assert.ErrorIs(t, <-done, ErrSuperseded)
	_, ok := c.Record()
	assert.False(t, ok)
}
