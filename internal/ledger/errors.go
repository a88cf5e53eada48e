package ledger

import (
	"errors"
	"fmt"
)

// Precondition failures. Checked before any transaction is attempted.
var (
	ErrWalletNotConnected  = errors.New("wallet not connected")
	ErrWrongNetwork        = errors.New("wrong network")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Transaction lifecycle and read failures.
var (
	ErrSubmitRejected      = errors.New("submit rejected by wallet")
	ErrSubmit              = errors.New("submit failed")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrReverted            = errors.New("transaction reverted")
	ErrRead                = errors.New("player status read failed")
)

// RevertError carries the ledger's revert reason. It matches ErrReverted.
type RevertError struct {
	TxID   TxID
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxID.Hex())
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxID.Hex(), e.Reason)
}

func (e *RevertError) Is(target error) bool { return target == ErrReverted }
