// internal/session/coordinator.go
//
// SessionCoordinator: reconciles wallet state, the cached ledger record and local play
// state into one phase progression, and issues the on-chain actions.
//
// Transitions:
//   WalletSetup → Playing            StartGame, once pay-to-play is broadcast
//   Playing → ScoreSubmission        engine reports the final score for the current play
//   ScoreSubmission → (submitted)    SubmitScore confirmed, or SkipSubmission
//   ScoreSubmission → WalletSetup    ReturnToLobby after submission
//   any → WalletSetup                wallet disconnect, account switch, wrong network, Reset
//
// OptimisticPlayStart: play begins when the entry fee is broadcast, not when it confirms.
// A payment that later reverts surfaces as a failed record-score transaction; the session
// is not rolled back.
//
// Locking: mu guards phase state only. It is never held across a ledger call, a tracker
// call or an engine call. The starting and recording flags hold an action's slot from
// admission until the coordinator has applied its result, so a tracker that settles early
// cannot readmit the same action.

package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/rhythm-mint/internal/game"
	"github.com/robalobadob/rhythm-mint/internal/journal"
	"github.com/robalobadob/rhythm-mint/internal/ledger"
	"github.com/robalobadob/rhythm-mint/internal/status"
	"github.com/robalobadob/rhythm-mint/internal/txn"
	"github.com/robalobadob/rhythm-mint/internal/wallet"
)

var (
	ErrWrongPhase       = errors.New("action not available in this phase")
	ErrAlreadySubmitted = errors.New("score already submitted")
	ErrNotSubmitted     = errors.New("score not submitted yet")
	ErrNotEligible      = errors.New("not eligible to mint")
	ErrNotPaid          = errors.New("entry fee not confirmed on the ledger")
	ErrNoRecord         = errors.New("player status not loaded")
	ErrUnknownTier      = errors.New("unknown tier")
)

// backgroundTimeout bounds refreshes and journal writes started off the request path.
const backgroundTimeout = 30 * time.Second

// Config holds the values the coordinator gates on.
type Config struct {
	EntryFee   *big.Int // wei
	Thresholds Thresholds
	ChainID    uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records every transaction step to store.
func WithJournal(store journal.Store) Option { return func(c *Coordinator) { c.journal = store } }

// WithTrackerOptions applies opts to every per-action tracker.
func WithTrackerOptions(opts ...txn.Option) Option {
	return func(c *Coordinator) { c.trackerOpts = append(c.trackerOpts, opts...) }
}

// canceler is implemented by engines that can abandon a play.
type canceler interface {
	Cancel(playID string)
}

// Coordinator is the session core. Safe for concurrent use.
type Coordinator struct {
	cfg         Config
	client      ledger.ChainClient
	wallet      *wallet.Session
	cache       *status.Cache
	engine      game.Engine
	journal     journal.Store
	trackerOpts []txn.Option
	trackers    map[ledger.ActionKind]*txn.Tracker

	mu         sync.Mutex
	phase      Phase
	finalScore uint64
	submitted  bool
	skipped    bool
	play       *game.Play
	ws         wallet.State
	starting   bool // pay-to-play admitted, phase not yet advanced
	recording  bool // record-score admitted, outcome not yet applied
}

// New wires a coordinator and subscribes it to w. If w is already connected, the status
// cache starts tracking its address.
func New(cfg Config, client ledger.ChainClient, w *wallet.Session, cache *status.Cache, engine game.Engine, opts ...Option) *Coordinator {
	if cfg.EntryFee == nil {
		cfg.EntryFee = new(big.Int)
	}
	c := &Coordinator{
		cfg:      cfg,
		client:   client,
		wallet:   w,
		cache:    cache,
		engine:   engine,
		trackers: make(map[ledger.ActionKind]*txn.Tracker, len(ledger.ActionKinds)),
		phase:    PhaseWalletSetup,
	}
	for _, o := range opts {
		o(c)
	}
	for _, k := range ledger.ActionKinds {
		c.trackers[k] = txn.New(k, client, c.trackerOpts...)
	}

	c.ws = w.State()
	w.Subscribe(c.onWallet)
	if c.ws.Connected {
		c.follow(c.ws.Address)
	}
	return c
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// onWallet runs synchronously on every wallet change.
func (c *Coordinator) onWallet(prev, next wallet.State) {
	c.mu.Lock()
	c.ws = next
	switch {
	case !next.Connected:
		c.resetLocked("wallet disconnected")
	case next.ChainID != c.cfg.ChainID:
		c.resetLocked("wrong network")
	case prev.Connected && prev.Address != next.Address:
		c.resetLocked("wallet account changed")
	}
	c.mu.Unlock()

	if prev.Connected == next.Connected && prev.Address == next.Address {
		return
	}
	if next.Connected {
		c.follow(next.Address)
	} else {
		c.cache.Track(common.Address{})
	}
}

// follow points the cache at addr before returning and refetches in the background.
func (c *Coordinator) follow(addr common.Address) {
	c.cache.Track(addr)
	go c.refreshIfTracked(addr)
}

func (c *Coordinator) refreshIfTracked(addr common.Address) {
	if c.cache.Snapshot().Address != addr {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if _, err := c.cache.Refresh(ctx, addr); err != nil && !errors.Is(err, status.ErrSuperseded) {
		log.Warn().Err(err).Str("address", addr.Hex()).Msg("status refresh failed")
	}
}

// resetLocked forces WalletSetup and drops the held score. Caller holds mu.
func (c *Coordinator) resetLocked(reason string) {
	if c.phase == PhaseWalletSetup && c.finalScore == 0 && c.play == nil {
		return
	}
	ev := log.Info()
	if c.phase == PhaseScoreSubmission && !c.submitted {
		ev = log.Warn()
	}
	ev.Str("from", string(c.phase)).Uint64("droppedScore", c.finalScore).Str("reason", reason).Msg("session reset")

	if c.play != nil {
		if cn, ok := c.engine.(canceler); ok {
			cn.Cancel(c.play.ID)
		}
	}
	c.phase = PhaseWalletSetup
	c.finalScore = 0
	c.submitted, c.skipped = false, false
	c.play = nil
}

func (c *Coordinator) setPhaseLocked(p Phase) {
	log.Info().Str("from", string(c.phase)).Str("phase", string(p)).Msg("phase transition")
	c.phase = p
}

// readyLocked checks the wallet preconditions. Caller holds mu.
func (c *Coordinator) readyLocked(needFee bool) error {
	if !c.ws.Connected {
		return ledger.ErrWalletNotConnected
	}
	if c.ws.ChainID != c.cfg.ChainID {
		return fmt.Errorf("%w: on chain %d, want %d", ledger.ErrWrongNetwork, c.ws.ChainID, c.cfg.ChainID)
	}
	if needFee && !HasSufficientBalance(c.ws.Balance, c.cfg.EntryFee) {
		return ledger.ErrInsufficientBalance
	}
	return nil
}

// StartGame pays the entry fee and, once the payment is broadcast, starts a play.
func (c *Coordinator) StartGame(ctx context.Context) (game.Play, error) {
	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return game.Play{}, fmt.Errorf("start game: %w", txn.ErrAlreadyInFlight)
	}
	if c.phase != PhaseWalletSetup {
		c.mu.Unlock()
		return game.Play{}, fmt.Errorf("start game: %w", ErrWrongPhase)
	}
	if err := c.readyLocked(true); err != nil {
		c.mu.Unlock()
		return game.Play{}, fmt.Errorf("start game: %w", err)
	}
	from := c.ws.Address
	c.starting = true
	c.mu.Unlock()

	var play *game.Play
	_, _, err := c.launch(ctx, action{
		call: ledger.Call{From: from, Kind: ledger.PayToPlay, Value: new(big.Int).Set(c.cfg.EntryFee)},
		broadcast: func(id ledger.TxID) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.starting = false
			if c.phase != PhaseWalletSetup || c.ws.Address != from || c.readyLocked(false) != nil {
				log.Warn().Str("tx", id.Hex()).Str("address", from.Hex()).Msg("entry fee broadcast after the session changed; no play started")
				return
			}
			play = &game.Play{ID: game.NewPlayID(), StartedAt: time.Now().UTC()}
			c.play = play
			c.finalScore = 0
			c.submitted, c.skipped = false, false
			c.setPhaseLocked(PhasePlaying)
		},
		settle: func(o txn.Outcome) {
			if o.Status == txn.StatusFailed {
				log.Warn().Err(o.Err).Str("address", from.Hex()).Msg("entry payment failed after play started")
			}
			c.refreshIfTracked(from)
		},
	})
	if err != nil {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
		return game.Play{}, fmt.Errorf("start game: %w", err)
	}
	if play == nil {
		return game.Play{}, fmt.Errorf("start game: session changed during payment: %w", ErrWrongPhase)
	}

	if err := c.engine.Launch(ctx, *play, c.finishPlay(play.ID)); err != nil {
		c.mu.Lock()
		if c.play != nil && c.play.ID == play.ID {
			c.resetLocked("engine launch failed")
		}
		c.mu.Unlock()
		return game.Play{}, fmt.Errorf("start game: launch: %w", err)
	}
	log.Info().Str("play", play.ID).Str("address", from.Hex()).Msg("play started")
	return *play, nil
}

// finishPlay returns the engine callback for playID. Scores for any other play are ignored.
func (c *Coordinator) finishPlay(playID string) game.FinishFunc {
	return func(score uint64) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.phase != PhasePlaying || c.play == nil || c.play.ID != playID {
			log.Warn().Str("play", playID).Uint64("score", score).Msg("score for inactive play ignored")
			return
		}
		c.finalScore = score
		c.setPhaseLocked(PhaseScoreSubmission)
	}
}

// SubmitScore records the held score on the ledger. The returned channel receives the
// confirmation outcome; on confirmation the session is marked submitted and the status
// cache refreshed. A failed submission keeps the score held and retryable.
func (c *Coordinator) SubmitScore(ctx context.Context) (ledger.TxID, <-chan txn.Outcome, error) {
	c.mu.Lock()
	if c.phase != PhaseScoreSubmission || c.play == nil {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("submit score: %w", ErrWrongPhase)
	}
	if c.submitted {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("submit score: %w", ErrAlreadySubmitted)
	}
	if c.recording {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("submit score: %w", txn.ErrAlreadyInFlight)
	}
	if !c.ws.Connected {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("submit score: %w", ledger.ErrWalletNotConnected)
	}
	from, score, playID := c.ws.Address, c.finalScore, c.play.ID
	c.recording = true
	c.mu.Unlock()

	id, done, err := c.launch(ctx, action{
		call:  ledger.Call{From: from, Kind: ledger.RecordScore, Args: []any{new(big.Int).SetUint64(score)}},
		score: score,
		settle: func(o txn.Outcome) {
			c.mu.Lock()
			c.recording = false
			confirmed := o.Status == txn.StatusConfirmed
			if confirmed && c.phase == PhaseScoreSubmission && c.play != nil && c.play.ID == playID {
				c.submitted = true
			}
			c.mu.Unlock()
			if confirmed {
				c.refreshIfTracked(from)
			}
		},
	})
	if err != nil {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("submit score: %w", err)
	}
	return id, done, nil
}

// SkipSubmission marks the score as handled without recording it.
func (c *Coordinator) SkipSubmission() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseScoreSubmission {
		return fmt.Errorf("skip submission: %w", ErrWrongPhase)
	}
	if c.submitted {
		return fmt.Errorf("skip submission: %w", ErrAlreadySubmitted)
	}
	if c.recording {
		return fmt.Errorf("skip submission: %w", txn.ErrAlreadyInFlight)
	}
	c.submitted, c.skipped = true, true
	log.Info().Uint64("score", c.finalScore).Msg("score submission skipped")
	return nil
}

// ReturnToLobby leaves a submitted (or skipped) ScoreSubmission for WalletSetup.
func (c *Coordinator) ReturnToLobby() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseScoreSubmission {
		return fmt.Errorf("return to lobby: %w", ErrWrongPhase)
	}
	if !c.submitted {
		return fmt.Errorf("return to lobby: %w", ErrNotSubmitted)
	}
	c.setPhaseLocked(PhaseWalletSetup)
	c.finalScore = 0
	c.submitted, c.skipped = false, false
	c.play = nil
	return nil
}

// Reset forces WalletSetup and drops any held score.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked("explicit reset")
}

// StartOnChainGame issues the start-game action. It requires a Playing session whose
// payment the ledger already reports, and does not change phase.
func (c *Coordinator) StartOnChainGame(ctx context.Context) (ledger.TxID, <-chan txn.Outcome, error) {
	c.mu.Lock()
	if c.phase != PhasePlaying {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("start on-chain game: %w", ErrWrongPhase)
	}
	if err := c.readyLocked(false); err != nil {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("start on-chain game: %w", err)
	}
	from := c.ws.Address
	c.mu.Unlock()

	rec, err := c.recordFor(from)
	if err != nil {
		return ledger.TxID{}, nil, fmt.Errorf("start on-chain game: %w", err)
	}
	if !rec.Paid {
		return ledger.TxID{}, nil, fmt.Errorf("start on-chain game: %w", ErrNotPaid)
	}
	id, done, err := c.launch(ctx, action{
		call:   ledger.Call{From: from, Kind: ledger.StartGame},
		settle: func(txn.Outcome) { c.refreshIfTracked(from) },
	})
	if err != nil {
		return ledger.TxID{}, nil, fmt.Errorf("start on-chain game: %w", err)
	}
	return id, done, nil
}

// Mint issues the mint action for t if the cached record allows it. Available in any
// phase. On confirmation the status cache is refreshed.
func (c *Coordinator) Mint(ctx context.Context, t Tier) (ledger.TxID, <-chan txn.Outcome, error) {
	if t != TierClosed && t != TierOpen {
		return ledger.TxID{}, nil, fmt.Errorf("mint %q: %w", t, ErrUnknownTier)
	}
	c.mu.Lock()
	if err := c.readyLocked(false); err != nil {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("mint %s: %w", t, err)
	}
	from := c.ws.Address
	c.mu.Unlock()

	rec, err := c.recordFor(from)
	if err != nil {
		return ledger.TxID{}, nil, fmt.Errorf("mint %s: %w", t, err)
	}
	if !Mintable(rec, t) {
		return ledger.TxID{}, nil, fmt.Errorf("mint %s: %w", t, ErrNotEligible)
	}
	id, done, err := c.launch(ctx, action{
		call:   ledger.Call{From: from, Kind: t.Action()},
		score:  rec.HighestScore,
		settle: func(txn.Outcome) { c.refreshIfTracked(from) },
	})
	if err != nil {
		return ledger.TxID{}, nil, fmt.Errorf("mint %s: %w", t, err)
	}
	return id, done, nil
}

// ResetPlayerPayment clears player's paid flag. Only the contract owner's wallet can
// get this confirmed; anyone else's call reverts.
func (c *Coordinator) ResetPlayerPayment(ctx context.Context, player common.Address) (ledger.TxID, <-chan txn.Outcome, error) {
	if player == (common.Address{}) {
		return ledger.TxID{}, nil, fmt.Errorf("reset payment: empty player address")
	}
	c.mu.Lock()
	if err := c.readyLocked(false); err != nil {
		c.mu.Unlock()
		return ledger.TxID{}, nil, fmt.Errorf("reset payment: %w", err)
	}
	from := c.ws.Address
	c.mu.Unlock()

	id, done, err := c.launch(ctx, action{
		call:   ledger.Call{From: from, Kind: ledger.ResetPayment, Args: []any{player}},
		settle: func(txn.Outcome) { c.refreshIfTracked(player) },
	})
	if err != nil {
		return ledger.TxID{}, nil, fmt.Errorf("reset payment: %w", err)
	}
	return id, done, nil
}

// RefreshStatus re-reads the connected player's record.
func (c *Coordinator) RefreshStatus(ctx context.Context) (*ledger.PlayerRecord, error) {
	c.mu.Lock()
	connected, addr := c.ws.Connected, c.ws.Address
	c.mu.Unlock()
	if !connected {
		return nil, ledger.ErrWalletNotConnected
	}
	return c.cache.Refresh(ctx, addr)
}

// History returns the connected player's recent journal entries.
func (c *Coordinator) History(ctx context.Context, limit int) ([]journal.Entry, error) {
	if c.journal == nil {
		return nil, nil
	}
	c.mu.Lock()
	connected, addr := c.ws.Connected, c.ws.Address
	c.mu.Unlock()
	if !connected {
		return nil, ledger.ErrWalletNotConnected
	}
	return c.journal.Recent(ctx, addr.Hex(), limit)
}

// recordFor returns the cached record, provided it belongs to addr.
func (c *Coordinator) recordFor(addr common.Address) (ledger.PlayerRecord, error) {
	snap := c.cache.Snapshot()
	if snap.Address != addr || snap.Record == nil {
		return ledger.PlayerRecord{}, ErrNoRecord
	}
	return *snap.Record, nil
}

// action is one on-chain write issued through launch.
type action struct {
	call  ledger.Call
	score uint64 // journaled with every step
	// broadcast runs once the call is accepted, before the submission is journaled.
	broadcast func(ledger.TxID)
	// settle runs with the outcome before it is journaled and delivered.
	settle func(txn.Outcome)
}

// launch submits a.call through its kind's tracker and journals each step. The returned
// channel receives the outcome after settle has run.
func (c *Coordinator) launch(ctx context.Context, a action) (ledger.TxID, <-chan txn.Outcome, error) {
	tr := c.trackers[a.call.Kind]
	id, done, err := tr.Start(ctx, func(ctx context.Context) (ledger.TxID, error) {
		return c.client.Submit(ctx, a.call)
	})
	if err != nil {
		if !errors.Is(err, txn.ErrAlreadyInFlight) {
			c.record(a.call, ledger.TxID{}, txn.StatusFailed, err, a.score)
		}
		return ledger.TxID{}, nil, err
	}
	if a.broadcast != nil {
		a.broadcast(id)
	}
	c.record(a.call, id, txn.StatusSubmitted, nil, a.score)

	out := make(chan txn.Outcome, 1)
	go func() {
		o := <-done
		if a.settle != nil {
			a.settle(o)
		}
		c.record(a.call, o.ID, o.Status, o.Err, a.score)
		out <- o
	}()
	return id, out, nil
}

func (c *Coordinator) record(call ledger.Call, id ledger.TxID, st txn.Status, err error, score uint64) {
	if c.journal == nil {
		return
	}
	e := journal.Entry{
		Player: call.From.Hex(),
		Kind:   string(call.Kind),
		Status: string(st),
		Score:  score,
	}
	if id != (ledger.TxID{}) {
		e.TxHash = id.Hex()
	}
	if err != nil {
		e.Reason = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if err := c.journal.Append(ctx, e); err != nil {
		log.Error().Err(err).Str("kind", e.Kind).Msg("journal append failed")
	}
}
