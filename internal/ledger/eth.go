// internal/ledger/eth.go
//
// go-ethereum implementation of ChainClient.
// Responsibilities:
//   - Bind the game contract from its ABI artifact.
//   - Read getPlayerStatus through eth_call.
//   - Sign writes with the connected wallet's transactor and broadcast them.
//   - Poll for receipts and recover revert reasons by replaying failed calls.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

const defaultReceiptPoll = time.Second

// Signer hands out transactors for unlocked accounts.
type Signer interface {
	Transactor(from common.Address, chainID *big.Int) (*bind.TransactOpts, error)
}

// EthClient talks to the contract over JSON-RPC.
type EthClient struct {
	rpc      *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	chainID  *big.Int
	signer   Signer
	poll     time.Duration
}

// ParseArtifact extracts the ABI from a compiler artifact ({"abi": [...]}) or a bare ABI array.
func ParseArtifact(raw []byte) (abi.ABI, error) {
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	body := raw
	if err := json.Unmarshal(raw, &artifact); err == nil && len(artifact.ABI) > 0 {
		body = artifact.ABI
	}
	parsed, err := abi.JSON(strings.NewReader(string(body)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}

// DialEth connects to rpcURL and binds the contract at address.
func DialEth(ctx context.Context, rpcURL string, address common.Address, contractABI abi.ABI, signer Signer) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &EthClient{
		rpc:      rpc,
		contract: bind.NewBoundContract(address, contractABI, rpc, rpc, rpc),
		address:  address,
		chainID:  chainID,
		signer:   signer,
		poll:     defaultReceiptPoll,
	}, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() { c.rpc.Close() }

// ChainID reports the node's current chain id.
func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) { return c.rpc.ChainID(ctx) }

// BalanceAt reports an account balance in wei.
func (c *EthClient) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	return c.rpc.BalanceAt(ctx, account, block)
}

// ReadPlayerStatus calls getPlayerStatus(player).
func (c *EthClient) ReadPlayerStatus(ctx context.Context, player common.Address) (PlayerRecord, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getPlayerStatus", player); err != nil {
		return PlayerRecord{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	rec, err := DecodePlayerStatus(out)
	if err != nil {
		return PlayerRecord{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return rec, nil
}

// EntryFee calls GAME_ENTRY_FEE().
func (c *EthClient) EntryFee(ctx context.Context) (*big.Int, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "GAME_ENTRY_FEE"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: GAME_ENTRY_FEE returned %d values", ErrRead, len(out))
	}
	fee, ok := out[0].(*big.Int)
	if !ok || fee == nil {
		return nil, fmt.Errorf("%w: GAME_ENTRY_FEE returned %T", ErrRead, out[0])
	}
	return fee, nil
}

// Submit signs call with the sender's transactor and broadcasts it.
func (c *EthClient) Submit(ctx context.Context, call Call) (TxID, error) {
	method := call.Kind.Method()
	if method == "" {
		return TxID{}, fmt.Errorf("%w: unknown action %q", ErrSubmit, call.Kind)
	}
	opts, err := c.signer.Transactor(call.From, c.chainID)
	if err != nil {
		return TxID{}, classifySubmit(err)
	}
	opts.Context = ctx
	opts.Value = call.Value
	tx, err := c.contract.Transact(opts, method, call.Args...)
	if err != nil {
		return TxID{}, classifySubmit(err)
	}
	log.Debug().Str("kind", string(call.Kind)).Str("tx", tx.Hash().Hex()).Msg("transaction broadcast")
	return tx.Hash(), nil
}

// AwaitConfirmation polls for the receipt until it appears or ctx ends.
func (c *EthClient) AwaitConfirmation(ctx context.Context, id TxID) (Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, id)
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return Receipt{TxID: id, BlockNumber: receipt.BlockNumber.Uint64(), GasUsed: receipt.GasUsed}, nil
			}
			return Receipt{}, &RevertError{TxID: id, Reason: c.revertReason(ctx, id, receipt.BlockNumber)}
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.Debug().Err(err).Str("tx", id.Hex()).Msg("receipt lookup failed")
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Receipt{}, fmt.Errorf("%w: %s", ErrConfirmationTimeout, id.Hex())
			}
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason replays the failed transaction as a call at its block to recover the message.
func (c *EthClient) revertReason(ctx context.Context, id TxID, block *big.Int) string {
	tx, _, err := c.rpc.TransactionByHash(ctx, id)
	if err != nil {
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return ""
	}
	_, err = c.rpc.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	if err == nil {
		return ""
	}
	return err.Error()
}

func classifySubmit(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, keystore.ErrLocked),
		errors.Is(err, keystore.ErrNoMatch),
		strings.Contains(msg, "user rejected"),
		strings.Contains(msg, "user denied"):
		return fmt.Errorf("%w: %w", ErrSubmitRejected, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %w: %w", ErrSubmit, ErrInsufficientBalance, err)
	}
	return fmt.Errorf("%w: %w", ErrSubmit, err)
}
