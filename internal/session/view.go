package session

import (
	"github.com/robalobadob/rhythm-mint/internal/ledger"
	"github.com/robalobadob/rhythm-mint/internal/status"
	"github.com/robalobadob/rhythm-mint/internal/txn"
	"github.com/robalobadob/rhythm-mint/internal/wallet"
)

// View is everything the presentation layer renders.
type View struct {
	Phase             Phase           `json:"phase"`
	FinalScore        uint64          `json:"finalScore"`
	Submitted         bool            `json:"submitted"`
	Skipped           bool            `json:"skipped"`
	PlayID            string          `json:"playId,omitempty"`
	Eligibility       Tier            `json:"eligibility"`
	NewHighScore      bool            `json:"newHighScore"`
	Wallet            wallet.State    `json:"wallet"`
	NetworkOK         bool            `json:"networkOk"`
	SufficientBalance bool            `json:"sufficientBalance"`
	EntryFee          string          `json:"entryFee"`
	Thresholds        Thresholds      `json:"thresholds"`
	Status            status.Snapshot `json:"status"`
	CanMintClosed     bool            `json:"canMintClosed"`
	CanMintOpen       bool            `json:"canMintOpen"`
	Transactions      []txn.Snapshot  `json:"transactions"`
}

// View returns a consistent snapshot of the session.
func (c *Coordinator) View() View {
	c.mu.Lock()
	v := View{
		Phase:             c.phase,
		FinalScore:        c.finalScore,
		Submitted:         c.submitted,
		Skipped:           c.skipped,
		Wallet:            c.ws,
		NetworkOK:         c.ws.Connected && c.ws.ChainID == c.cfg.ChainID,
		SufficientBalance: HasSufficientBalance(c.ws.Balance, c.cfg.EntryFee),
		EntryFee:          c.cfg.EntryFee.String(),
		Thresholds:        c.cfg.Thresholds,
	}
	if c.play != nil {
		v.PlayID = c.play.ID
	}
	c.mu.Unlock()

	v.Eligibility = Eligibility(v.FinalScore, v.Thresholds)
	v.Status = c.cache.Snapshot()
	rec := v.Status.Record
	if rec != nil && v.Status.Address != v.Wallet.Address {
		rec = nil
	}
	if v.Phase == PhaseScoreSubmission {
		if rec != nil {
			v.NewHighScore = v.FinalScore > rec.HighestScore
		} else {
			v.NewHighScore = v.FinalScore > 0
		}
	}
	if rec != nil && v.NetworkOK {
		v.CanMintClosed = Mintable(*rec, TierClosed) && !c.trackers[ledger.MintClosed].Busy()
		v.CanMintOpen = Mintable(*rec, TierOpen) && !c.trackers[ledger.MintOpen].Busy()
	}

	v.Transactions = make([]txn.Snapshot, 0, len(ledger.ActionKinds))
	for _, k := range ledger.ActionKinds {
		v.Transactions = append(v.Transactions, c.trackers[k].Snapshot())
	}
	return v
}
