package session

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robalobadob/rhythm-mint/internal/game"
	"github.com/robalobadob/rhythm-mint/internal/journal"
	"github.com/robalobadob/rhythm-mint/internal/ledger"
	"github.com/robalobadob/rhythm-mint/internal/status"
	"github.com/robalobadob/rhythm-mint/internal/txn"
	"github.com/robalobadob/rhythm-mint/internal/wallet"
)

const testChain = 10143

var (
	player = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	other  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	entryFee = big.NewInt(10_000_000_000_000_000) // 0.01
	funds    = big.NewInt(1_000_000_000_000_000_000)
)

// gatedChain holds submits and confirmations until the matching gate is closed.
// A nil gate is open.
type gatedChain struct {
	*ledger.Memory
	submitGate  chan struct{}
	confirmGate chan struct{}
}

func (g *gatedChain) Submit(ctx context.Context, call ledger.Call) (ledger.TxID, error) {
	if g.submitGate != nil {
		select {
		case <-g.submitGate:
		case <-ctx.Done():
			return ledger.TxID{}, ctx.Err()
		}
	}
	return g.Memory.Submit(ctx, call)
}

func (g *gatedChain) AwaitConfirmation(ctx context.Context, id ledger.TxID) (ledger.Receipt, error) {
	if g.confirmGate != nil {
		select {
		case <-g.confirmGate:
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		}
	}
	return g.Memory.AwaitConfirmation(ctx, id)
}

type harness struct {
	chain   *gatedChain
	wallet  *wallet.Session
	cache   *status.Cache
	engine  *game.Remote
	journal journal.Store
	coord   *Coordinator
}

// slowJournal holds appends matching kind and status until release is closed.
type slowJournal struct {
	journal.Store
	kind    ledger.ActionKind
	status  txn.Status
	release chan struct{}
}

func (j *slowJournal) Append(ctx context.Context, e journal.Entry) error {
	if e.Kind == string(j.kind) && e.Status == string(j.status) {
		<-j.release
	}
	return j.Store.Append(ctx, e)
}

func newHarness(t *testing.T, gates ...func(*gatedChain)) *harness {
	t.Helper()
	return newHarnessWithJournal(t, journal.NewMemoryStore(), gates...)
}

func newHarnessWithJournal(t *testing.T, store journal.Store, gates ...func(*gatedChain)) *harness {
	t.Helper()
	mem := ledger.NewMemory(ledger.MemoryConfig{
		ChainID:         testChain,
		EntryFee:        entryFee,
		ClosedThreshold: 50,
		OpenThreshold:   160,
		Owner:           owner,
	})
	for _, a := range []common.Address{player, other, owner} {
		mem.Fund(a, funds)
	}
	chain := &gatedChain{Memory: mem}
	for _, g := range gates {
		g(chain)
	}
	h := &harness{
		chain:   chain,
		wallet:  wallet.NewSession(),
		cache:   status.New(chain, status.WithBackoff(time.Millisecond)),
		engine:  game.NewRemote(),
		journal: store,
	}
	h.coord = New(
		Config{EntryFee: entryFee, Thresholds: Thresholds{Closed: 50, Open: 160}, ChainID: testChain},
		chain, h.wallet, h.cache, h.engine,
		WithJournal(h.journal),
		WithTrackerOptions(txn.WithTimeout(5*time.Second)),
	)
	return h
}

// connect attaches addr on the right network with funds and waits for its record.
func (h *harness) connect(t *testing.T, addr common.Address) {
	t.Helper()
	h.wallet.Connect(addr, testChain)
	h.wallet.SetBalance(addr, funds)
	h.waitRecord(t, addr, func(ledger.PlayerRecord) bool { return true })
}

func (h *harness) waitRecord(t *testing.T, addr common.Address, ok func(ledger.PlayerRecord) bool) ledger.PlayerRecord {
	t.Helper()
	var rec ledger.PlayerRecord
	require.Eventually(t, func() bool {
		s := h.cache.Snapshot()
		if s.Address != addr || s.Record == nil {
			return false
		}
		rec = *s.Record
		return ok(rec)
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func (h *harness) waitTx(t *testing.T, kind ledger.ActionKind, want txn.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.coord.trackers[kind].Snapshot().Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

// playTo starts a game, waits for the payment to confirm and finishes the play with score.
func (h *harness) playTo(t *testing.T, score uint64) game.Play {
	t.Helper()
	play, err := h.coord.StartGame(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhasePlaying, h.coord.Phase())
	h.waitTx(t, ledger.PayToPlay, txn.StatusConfirmed)
	require.NoError(t, h.engine.Report(play.ID, score))
	require.Equal(t, PhaseScoreSubmission, h.coord.Phase())
	return play
}

func await(t *testing.T, done <-chan txn.Outcome) txn.Outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no outcome")
		return txn.Outcome{}
	}
}

func TestStartGame_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.StartGame(ctx)
	require.ErrorIs(t, err, ledger.ErrWalletNotConnected)

	h.wallet.Connect(player, 1)
	_, err = h.coord.StartGame(ctx)
	require.ErrorIs(t, err, ledger.ErrWrongNetwork)

	h.wallet.SetChain(testChain)
	h.wallet.SetBalance(player, big.NewInt(9_999_999_999_999_999))
	_, err = h.coord.StartGame(ctx)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	assert.Equal(t, PhaseWalletSetup, h.coord.Phase())
	assert.Zero(t, h.chain.Submits(ledger.PayToPlay))
}

func TestStartGame_PlayingOnlyAfterBroadcast(t *testing.T) {
	h := newHarness(t, func(g *gatedChain) {
		g.submitGate = make(chan struct{})
		g.confirmGate = make(chan struct{})
	})
	h.connect(t, player)

	type result struct {
		play game.Play
		err  error
	}
	res := make(chan result, 1)
	go func() {
		p, err := h.coord.StartGame(context.Background())
		res <- result{p, err}
	}()

	require.Eventually(t, h.coord.trackers[ledger.PayToPlay].Busy, time.Second, time.Millisecond)
	assert.Equal(t, PhaseWalletSetup, h.coord.Phase(), "no play before the payment is broadcast")

	close(h.chain.submitGate)
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, PhasePlaying, h.coord.Phase())
	assert.Equal(t, r.play.ID, h.coord.View().PlayID)

	// payment is still unconfirmed while playing
	assert.Equal(t, txn.StatusSubmitted, h.coord.trackers[ledger.PayToPlay].Snapshot().Status)
	close(h.chain.confirmGate)
	h.waitTx(t, ledger.PayToPlay, txn.StatusConfirmed)
}

func TestStartGame_NoDoublePay(t *testing.T) {
	h := newHarness(t, func(g *gatedChain) { g.submitGate = make(chan struct{}) })
	h.connect(t, player)

	first := make(chan error, 1)
	go func() {
		_, err := h.coord.StartGame(context.Background())
		first <- err
	}()
	require.Eventually(t, h.coord.trackers[ledger.PayToPlay].Busy, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		_, err := h.coord.StartGame(context.Background())
		require.ErrorIs(t, err, txn.ErrAlreadyInFlight)
	}
	close(h.chain.submitGate)
	require.NoError(t, <-first)

	_, err := h.coord.StartGame(context.Background())
	require.ErrorIs(t, err, ErrWrongPhase)
	assert.Equal(t, 1, h.chain.Submits(ledger.PayToPlay))
}

func TestStartGame_ConfirmedPaymentCannotBeRepeated(t *testing.T) {
	slow := &slowJournal{
		Store:   journal.NewMemoryStore(),
		kind:    ledger.PayToPlay,
		status:  txn.StatusSubmitted,
		release: make(chan struct{}),
	}
	h := newHarnessWithJournal(t, slow)
	h.connect(t, player)

	first := make(chan error, 1)
	go func() {
		_, err := h.coord.StartGame(context.Background())
		first <- err
	}()
	// the payment settles while the first call is still journaling its broadcast
	h.waitTx(t, ledger.PayToPlay, txn.StatusConfirmed)

	_, err := h.coord.StartGame(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.chain.Submits(ledger.PayToPlay))

	close(slow.release)
	require.NoError(t, <-first)
	assert.Equal(t, PhasePlaying, h.coord.Phase())
	assert.Equal(t, 1, h.chain.Submits(ledger.PayToPlay))
}

func TestStartGame_RejectedSignatureKeepsPhase(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)

	h.chain.RejectNextSubmit(ledger.ErrSubmitRejected)
	_, err := h.coord.StartGame(context.Background())
	require.ErrorIs(t, err, ledger.ErrSubmitRejected)
	assert.Equal(t, PhaseWalletSetup, h.coord.Phase())
	assert.Equal(t, txn.StatusFailed, h.coord.trackers[ledger.PayToPlay].Snapshot().Status)

	// the user retries deliberately
	_, err = h.coord.StartGame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhasePlaying, h.coord.Phase())
	assert.Equal(t, 1, h.chain.Submits(ledger.PayToPlay))
}

func TestFinish_IgnoresInactivePlay(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)
	play, err := h.coord.StartGame(context.Background())
	require.NoError(t, err)

	h.coord.finishPlay("some-other-play")(99)
	assert.Equal(t, PhasePlaying, h.coord.Phase())

	require.NoError(t, h.engine.Report(play.ID, 42))
	v := h.coord.View()
	assert.Equal(t, PhaseScoreSubmission, v.Phase)
	assert.Equal(t, uint64(42), v.FinalScore)
	assert.Equal(t, TierNone, v.Eligibility)
}

func TestEndToEnd_OpenMint(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)
	h.playTo(t, 165)

	v := h.coord.View()
	assert.Equal(t, TierOpen, v.Eligibility)
	assert.True(t, v.NewHighScore)
	assert.False(t, v.CanMintOpen)

	_, done, err := h.coord.SubmitScore(context.Background())
	require.NoError(t, err)
	out := await(t, done)
	require.NoError(t, out.Err)
	require.Equal(t, txn.StatusConfirmed, out.Status)

	v = h.coord.View()
	assert.True(t, v.Submitted)
	require.NotNil(t, v.Status.Record)
	assert.Equal(t, uint64(165), v.Status.Record.HighestScore)
	assert.False(t, v.Status.Record.MintedOpen)
	assert.True(t, v.Status.Record.CanMintOpen)
	assert.True(t, v.CanMintOpen)
	assert.True(t, v.CanMintClosed)

	_, done, err = h.coord.Mint(context.Background(), TierOpen)
	require.NoError(t, err)
	require.NoError(t, await(t, done).Err)

	rec, ok := h.cache.Record()
	require.True(t, ok)
	assert.True(t, rec.MintedOpen)
	assert.False(t, rec.CanMintOpen)
	assert.False(t, h.coord.View().CanMintOpen)

	require.NoError(t, h.coord.ReturnToLobby())
	assert.Equal(t, PhaseWalletSetup, h.coord.Phase())
	assert.Zero(t, h.coord.View().FinalScore)

	assert.Eventually(t, func() bool {
		hist, err := h.coord.History(context.Background(), 0)
		if err != nil {
			return false
		}
		var kinds []string
		for _, e := range hist {
			if e.Status == string(txn.StatusConfirmed) {
				kinds = append(kinds, e.Kind)
			}
		}
		return assert.ObjectsAreEqual([]string{"mint-open", "record-score", "pay-to-play"}, kinds)
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitScore_FailureHoldsScore(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)
	h.playTo(t, 80)

	h.chain.RejectNextSubmit(ledger.ErrSubmitRejected)
	_, _, err := h.coord.SubmitScore(context.Background())
	require.ErrorIs(t, err, ledger.ErrSubmitRejected)

	v := h.coord.View()
	assert.Equal(t, PhaseScoreSubmission, v.Phase)
	assert.Equal(t, uint64(80), v.FinalScore)
	assert.False(t, v.Submitted)

	_, done, err := h.coord.SubmitScore(context.Background())
	require.NoError(t, err)
	require.NoError(t, await(t, done).Err)
	assert.True(t, h.coord.View().Submitted)

	_, _, err = h.coord.SubmitScore(context.Background())
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmitScore_ConfirmedScoreCannotBeRepeated(t *testing.T) {
	slow := &slowJournal{
		Store:   journal.NewMemoryStore(),
		kind:    ledger.RecordScore,
		status:  txn.StatusConfirmed,
		release: make(chan struct{}),
	}
	h := newHarnessWithJournal(t, slow)
	h.connect(t, player)
	h.playTo(t, 70)

	id, done, err := h.coord.SubmitScore(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, ledger.TxID{}, id)
	h.waitTx(t, ledger.RecordScore, txn.StatusConfirmed)

	_, _, err = h.coord.SubmitScore(context.Background())
	require.Error(t, err)
	require.Error(t, h.coord.SkipSubmission())
	assert.Equal(t, 1, h.chain.Submits(ledger.RecordScore))

	close(slow.release)
	out := await(t, done)
	require.NoError(t, out.Err)
	assert.Equal(t, id, out.ID)
	assert.True(t, h.coord.View().Submitted)
	assert.False(t, h.coord.View().Skipped)
}

func TestSubmitScore_InFlightBlocksResubmitAndSkip(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)
	h.playTo(t, 30)
	h.chain.confirmGate = make(chan struct{})

	_, done, err := h.coord.SubmitScore(context.Background())
	require.NoError(t, err)

	_, _, err = h.coord.SubmitScore(context.Background())
	require.ErrorIs(t, err, txn.ErrAlreadyInFlight)
	require.ErrorIs(t, h.coord.SkipSubmission(), txn.ErrAlreadyInFlight)

	close(h.chain.confirmGate)
	require.NoError(t, await(t, done).Err)
	require.ErrorIs(t, h.coord.SkipSubmission(), ErrAlreadySubmitted)
	assert.Equal(t, 1, h.chain.Submits(ledger.RecordScore))
}

func TestResetPlayerPayment_OwnerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, player)
	_, err := h.coord.StartGame(ctx)
	require.NoError(t, err)
	h.waitRecord(t, player, func(r ledger.PlayerRecord) bool { return r.Paid })

	_, done, err := h.coord.ResetPlayerPayment(ctx, player)
	require.NoError(t, err)
	out := await(t, done)
	require.ErrorIs(t, out.Err, ledger.ErrReverted)
	assert.Equal(t, txn.StatusFailed, out.Status)

	h.connect(t, owner)
	assert.Equal(t, PhaseWalletSetup, h.coord.Phase(), "switching accounts ends the player's session")

	_, done, err = h.coord.ResetPlayerPayment(ctx, player)
	require.NoError(t, err)
	require.NoError(t, await(t, done).Err)
	rec, err := h.chain.ReadPlayerStatus(ctx, player)
	require.NoError(t, err)
	assert.False(t, rec.Paid)

	_, _, err = h.coord.ResetPlayerPayment(ctx, common.Address{})
	require.Error(t, err)
}

func TestSkipAndReturnToLobby(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)
	h.playTo(t, 10)

	require.ErrorIs(t, h.coord.ReturnToLobby(), ErrNotSubmitted)
	require.NoError(t, h.coord.SkipSubmission())
	require.ErrorIs(t, h.coord.SkipSubmission(), ErrAlreadySubmitted)
	_, _, err := h.coord.SubmitScore(context.Background())
	require.ErrorIs(t, err, ErrAlreadySubmitted)

	v := h.coord.View()
	assert.True(t, v.Skipped)
	assert.Zero(t, h.chain.Submits(ledger.RecordScore))

	require.NoError(t, h.coord.ReturnToLobby())
	assert.Equal(t, PhaseWalletSetup, h.coord.Phase())
}

func TestWalletLoss_ResetsSession(t *testing.T) {
	t.Run("wrong network", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t, player)
		h.playTo(t, 120)

		h.wallet.SetChain(1)
		v := h.coord.View()
		assert.Equal(t, PhaseWalletSetup, v.Phase)
		assert.Zero(t, v.FinalScore)
		assert.False(t, v.NetworkOK)

		_, _, err := h.coord.SubmitScore(context.Background())
		require.ErrorIs(t, err, ErrWrongPhase)
	})

	t.Run("disconnect", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t, player)
		play, err := h.coord.StartGame(context.Background())
		require.NoError(t, err)

		h.wallet.Disconnect()
		assert.Equal(t, PhaseWalletSetup, h.coord.Phase())
		assert.Nil(t, h.cache.Snapshot().Record)

		// the abandoned play can no longer report
		require.ErrorIs(t, h.engine.Report(play.ID, 200), game.ErrUnknownPlay)
		assert.Zero(t, h.coord.View().FinalScore)
	})
}

func TestAddressSwitch_ClearsCacheSynchronously(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)
	h.playTo(t, 60)
	_, done, err := h.coord.SubmitScore(context.Background())
	require.NoError(t, err)
	require.NoError(t, await(t, done).Err)
	h.waitRecord(t, player, func(r ledger.PlayerRecord) bool { return r.HighestScore == 60 })

	h.chain.FailReads(100)
	h.wallet.Connect(other, testChain)

	s := h.cache.Snapshot()
	assert.Equal(t, other, s.Address)
	assert.Nil(t, s.Record, "previous player's record must not be visible")
	assert.Equal(t, PhaseWalletSetup, h.coord.Phase())
	assert.False(t, h.coord.View().CanMintClosed)
}

func TestMint_RefusesMintedTierEvenIfReportedEligible(t *testing.T) {
	h := newHarness(t)
	h.chain.StickyEligibility(true)
	h.connect(t, player)

	_, _, err := h.coord.Mint(context.Background(), TierClosed)
	require.ErrorIs(t, err, ErrNotEligible)

	h.playTo(t, 60)
	_, done, err := h.coord.SubmitScore(context.Background())
	require.NoError(t, err)
	require.NoError(t, await(t, done).Err)

	_, _, err = h.coord.Mint(context.Background(), TierOpen)
	require.ErrorIs(t, err, ErrNotEligible)

	_, done, err = h.coord.Mint(context.Background(), TierClosed)
	require.NoError(t, err)
	require.NoError(t, await(t, done).Err)

	rec, ok := h.cache.Record()
	require.True(t, ok)
	assert.True(t, rec.MintedClosed)
	assert.True(t, rec.CanMintClosed, "ledger keeps reporting eligibility")

	_, _, err = h.coord.Mint(context.Background(), TierClosed)
	require.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, 1, h.chain.Submits(ledger.MintClosed))

	_, _, err = h.coord.Mint(context.Background(), Tier("gold"))
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestStartOnChainGame(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)

	_, _, err := h.coord.StartOnChainGame(context.Background())
	require.ErrorIs(t, err, ErrWrongPhase)

	_, err = h.coord.StartGame(context.Background())
	require.NoError(t, err)
	h.waitRecord(t, player, func(r ledger.PlayerRecord) bool { return r.Paid })

	_, done, err := h.coord.StartOnChainGame(context.Background())
	require.NoError(t, err)
	require.NoError(t, await(t, done).Err)
	assert.Equal(t, PhasePlaying, h.coord.Phase())
	assert.Equal(t, 1, h.chain.Submits(ledger.StartGame))
}

func TestStartOnChainGame_RequiresConfirmedPayment(t *testing.T) {
	h := newHarness(t, func(g *gatedChain) { g.confirmGate = make(chan struct{}) })
	h.connect(t, player)

	_, err := h.coord.StartGame(context.Background())
	require.NoError(t, err)

	_, _, err = h.coord.StartOnChainGame(context.Background())
	require.ErrorIs(t, err, ErrNotPaid)
	close(h.chain.confirmGate)
}

func TestRefreshStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.RefreshStatus(context.Background())
	require.ErrorIs(t, err, ledger.ErrWalletNotConnected)

	h.connect(t, player)
	a, err := h.coord.RefreshStatus(context.Background())
	require.NoError(t, err)
	b, err := h.coord.RefreshStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *a, *b)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.connect(t, player)
	h.playTo(t, 100)

	h.coord.Reset()
	v := h.coord.View()
	assert.Equal(t, PhaseWalletSetup, v.Phase)
	assert.Zero(t, v.FinalScore)
	assert.Empty(t, v.PlayID)
}
