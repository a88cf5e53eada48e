package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainClient is the boundary to the remote ledger.
// Implementations never retry; retry policy belongs to callers.
type ChainClient interface {
	// ReadPlayerStatus is a side-effect-free view call. Failures wrap ErrRead.
	ReadPlayerStatus(ctx context.Context, player common.Address) (PlayerRecord, error)

	// Submit signs and broadcasts a call. Failures wrap ErrSubmitRejected or ErrSubmit.
	Submit(ctx context.Context, call Call) (TxID, error)

	// AwaitConfirmation blocks until the transaction is final or ctx is done.
	// A revert is reported as *RevertError; an elapsed deadline as ErrConfirmationTimeout.
	AwaitConfirmation(ctx context.Context, id TxID) (Receipt, error)
}

// NetworkProbe reads wallet-facing chain facts. ethclient.Client satisfies it.
type NetworkProbe interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// FeeReader reports the entry fee the contract enforces.
type FeeReader interface {
	EntryFee(ctx context.Context) (*big.Int, error)
}
