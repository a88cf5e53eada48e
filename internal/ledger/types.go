// internal/ledger/types.go
//
// Core type definitions for talking to the game contract.
// Defines:
//   - PlayerRecord: the authoritative per-player status read from the ledger.
//   - ActionKind: the named on-chain operations the session can issue.
//   - TxID, Call, Receipt: the shapes exchanged with a ChainClient.

package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PlayerRecord mirrors the getPlayerStatus 6-tuple.
// Field order matches the wire contract; records are replaced wholesale, never patched.
type PlayerRecord struct {
	Paid          bool   `json:"paid"`
	HighestScore  uint64 `json:"highestScore"`
	MintedClosed  bool   `json:"mintedClosed"`
	MintedOpen    bool   `json:"mintedOpen"`
	CanMintClosed bool   `json:"canMintClosed"`
	CanMintOpen   bool   `json:"canMintOpen"`
}

// ActionKind names an on-chain write.
type ActionKind string

const (
	PayToPlay    ActionKind = "pay-to-play"
	StartGame    ActionKind = "start-game"
	RecordScore  ActionKind = "record-score"
	MintClosed   ActionKind = "mint-closed"
	MintOpen     ActionKind = "mint-open"
	ResetPayment ActionKind = "reset-payment"
)

// ActionKinds lists every kind in a stable order.
var ActionKinds = []ActionKind{PayToPlay, StartGame, RecordScore, MintClosed, MintOpen, ResetPayment}

// Method returns the contract method backing the action.
func (k ActionKind) Method() string {
	switch k {
	case PayToPlay:
		return "payToPlay"
	case StartGame:
		return "startGame"
	case RecordScore:
		return "recordScore"
	case MintClosed:
		return "mintClosedMouthNFT"
	case MintOpen:
		return "mintOpenMouthNFT"
	case ResetPayment:
		return "resetPlayerPayment"
	}
	return ""
}

// TxID identifies a broadcast transaction.
type TxID = common.Hash

// Call is a single contract write as requested by the session core.
type Call struct {
	From  common.Address
	Kind  ActionKind
	Args  []any
	Value *big.Int // nil for non-payable calls
}

// Receipt is the confirmed result of a transaction.
type Receipt struct {
	TxID        TxID
	BlockNumber uint64
	GasUsed     uint64
}
