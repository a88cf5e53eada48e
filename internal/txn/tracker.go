// internal/txn/tracker.go
//
// Lifecycle of outgoing transactions for a single action kind.
// Responsibilities:
//   - Allow at most one transaction in flight (double-click safety).
//   - Never resubmit: a rejected signature or failed broadcast ends in Failed and the
//     user must trigger the action again.
//   - Await confirmation on a context detached from the caller and bounded by a timeout,
//     so a finished HTTP request does not abandon tracking.
//
// State transitions:
//   Idle/Confirmed/Failed → Submitted  (Start)
//   Submitted → Failed                  (submit error, revert, timeout)
//   Submitted → Confirmed               (receipt)

package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robalobadob/rhythm-mint/internal/ledger"
)

// DefaultTimeout bounds the confirmation wait. Block finality takes seconds, not milliseconds.
const DefaultTimeout = 60 * time.Second

// ErrAlreadyInFlight rejects a Start while a previous transaction is Submitted.
var ErrAlreadyInFlight = errors.New("transaction already in flight")

// Status is the tracker's coarse lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// SubmitFunc broadcasts the transaction and returns its id.
type SubmitFunc func(ctx context.Context) (ledger.TxID, error)

// Confirmer waits for a transaction to become final.
type Confirmer interface {
	AwaitConfirmation(ctx context.Context, id ledger.TxID) (ledger.Receipt, error)
}

// Outcome is the terminal result of one Start.
type Outcome struct {
	Kind    ledger.ActionKind
	ID      ledger.TxID
	Status  Status
	Receipt ledger.Receipt
	Err     error
}

// Snapshot is the tracker's observable state.
type Snapshot struct {
	Kind   ledger.ActionKind `json:"kind"`
	Status Status            `json:"status"`
	TxID   string            `json:"tx,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Busy   bool              `json:"busy"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(t *Tracker) { t.timeout = d } }

// Tracker owns the transaction handle for one action kind.
type Tracker struct {
	kind      ledger.ActionKind
	confirmer Confirmer
	timeout   time.Duration

	mu     sync.Mutex
	status Status
	id     ledger.TxID
	err    error
}

// New constructs an idle tracker for kind.
func New(kind ledger.ActionKind, c Confirmer, opts ...Option) *Tracker {
	t := &Tracker{kind: kind, confirmer: c, timeout: DefaultTimeout, status: StatusIdle}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Kind reports the action kind this tracker serves.
func (t *Tracker) Kind() ledger.ActionKind { return t.kind }

// Busy reports whether a transaction is in flight.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusSubmitted
}

// Snapshot returns the current handle.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{Kind: t.kind, Status: t.status, Busy: t.status == StatusSubmitted}
	if t.id != (ledger.TxID{}) {
		s.TxID = t.id.Hex()
	}
	if t.err != nil {
		s.Reason = t.err.Error()
	}
	return s
}

// Start submits a transaction and returns once it is broadcast.
// The returned channel receives exactly one Outcome when confirmation settles.
// A submit failure is returned directly and no channel is produced.
func (t *Tracker) Start(ctx context.Context, submit SubmitFunc) (ledger.TxID, <-chan Outcome, error) {
	t.mu.Lock()
	if t.status == StatusSubmitted {
		t.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("%s: %w", t.kind, ErrAlreadyInFlight)
	}
	t.status, t.id, t.err = StatusSubmitted, ledger.TxID{}, nil
	t.mu.Unlock()

	id, err := submit(ctx)
	if err != nil {
		t.settle(ledger.TxID{}, err)
		log.Warn().Err(err).Str("kind", string(t.kind)).Msg("transaction submit failed")
		return ledger.TxID{}, nil, err
	}

	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
	log.Info().Str("kind", string(t.kind)).Str("tx", id.Hex()).Msg("transaction submitted")

	done := make(chan Outcome, 1)
	go t.await(context.WithoutCancel(ctx), id, done)
	return id, done, nil
}

// Run is Start followed by waiting for the Outcome.
func (t *Tracker) Run(ctx context.Context, submit SubmitFunc) (Outcome, error) {
	id, done, err := t.Start(ctx, submit)
	if err != nil {
		return Outcome{Kind: t.kind, Status: StatusFailed, Err: err}, err
	}
	select {
	case out := <-done:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{Kind: t.kind, ID: id, Status: StatusSubmitted}, ctx.Err()
	}
}

func (t *Tracker) await(ctx context.Context, id ledger.TxID, done chan<- Outcome) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	receipt, err := t.confirmer.AwaitConfirmation(ctx, id)
	if err != nil && !errors.Is(err, ledger.ErrConfirmationTimeout) && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s: %w", ledger.ErrConfirmationTimeout, id.Hex(), err)
	}
	out := t.settle(id, err)
	out.Receipt = receipt
	if err != nil {
		log.Warn().Err(err).Str("kind", string(t.kind)).Str("tx", id.Hex()).Msg("transaction failed")
	} else {
		log.Info().Str("kind", string(t.kind)).Str("tx", id.Hex()).Uint64("block", receipt.BlockNumber).Msg("transaction confirmed")
	}
	done <- out
}

func (t *Tracker) settle(id ledger.TxID, err error) Outcome {
	status := StatusConfirmed
	if err != nil {
		status = StatusFailed
	}
	t.mu.Lock()
	t.status, t.id, t.err = status, id, err
	t.mu.Unlock()
	return Outcome{Kind: t.kind, ID: id, Status: status, Err: err}
}
