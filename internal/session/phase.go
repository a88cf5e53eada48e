// internal/session/phase.go
//
// Game phases and the pure derivations the coordinator gates on.

package session

import (
	"math/big"

	"github.com/robalobadob/rhythm-mint/internal/ledger"
)

// Phase is the single explicit game phase.
type Phase string

const (
	PhaseWalletSetup     Phase = "wallet-setup"
	PhasePlaying         Phase = "playing"
	PhaseScoreSubmission Phase = "score-submission"
)

// Tier is an NFT tier, also used as the locally derived eligibility of a score.
type Tier string

const (
	TierNone   Tier = "none"
	TierClosed Tier = "closed"
	TierOpen   Tier = "open"
)

// ParseTier accepts "closed" or "open".
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierClosed, TierOpen:
		return Tier(s), true
	}
	return "", false
}

// Action is the ledger action that mints t.
func (t Tier) Action() ledger.ActionKind {
	if t == TierOpen {
		return ledger.MintOpen
	}
	return ledger.MintClosed
}

// Thresholds are the score cut-offs for each tier. Closed < Open.
type Thresholds struct {
	Closed uint64 `json:"closed"`
	Open   uint64 `json:"open"`
}

// Eligibility classifies score against th. Advisory only; minting is gated by the ledger.
func Eligibility(score uint64, th Thresholds) Tier {
	switch {
	case score >= th.Open:
		return TierOpen
	case score >= th.Closed:
		return TierClosed
	default:
		return TierNone
	}
}

// HasSufficientBalance reports balance ≥ fee. An unknown balance is insufficient.
func HasSufficientBalance(balance, fee *big.Int) bool {
	if balance == nil || fee == nil {
		return false
	}
	return balance.Cmp(fee) >= 0
}

// Mintable reports whether rec allows minting t.
// canMintX alone is not trusted: some deployments keep it set after the mint, so an
// already-minted tier is refused regardless.
func Mintable(rec ledger.PlayerRecord, t Tier) bool {
	switch t {
	case TierClosed:
		return rec.CanMintClosed && !rec.MintedClosed
	case TierOpen:
		return rec.CanMintOpen && !rec.MintedOpen
	}
	return false
}
