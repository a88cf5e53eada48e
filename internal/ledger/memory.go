// internal/ledger/memory.go
//
// In-process simulation of the game contract.
// Used for local development (CHAIN_MODE=memory) and tests.
//
// Characteristics:
//   - Writes are accepted at Submit and executed at confirmation, like a mined block.
//   - Contract rules mirror the deployed contract: exact entry fee, one paid session per
//     recorded score, threshold-gated one-time mints.
//   - Concurrency-safe via Mutex; state is lost when the process restarts.
//   - Fault injection hooks for read failures, signing rejection and reverts.

package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryConfig parameterizes the simulated contract.
type MemoryConfig struct {
	ChainID         uint64
	EntryFee        *big.Int
	ClosedThreshold uint64
	OpenThreshold   uint64
	Owner           common.Address // allowed to call resetPlayerPayment
	ConfirmDelay    time.Duration
}

type memPlayer struct {
	paid         bool
	started      bool
	highest      uint64
	mintedClosed bool
	mintedOpen   bool
}

type memTx struct {
	call  Call
	mined bool
	err   error
}

// Memory is a ChainClient and NetworkProbe backed by maps.
type Memory struct {
	cfg MemoryConfig

	mu       sync.Mutex
	players  map[common.Address]*memPlayer
	balances map[common.Address]*big.Int
	txs      map[TxID]*memTx
	nonce    uint64

	failReads  int
	rejectNext error
	// sticky eligibility reproduces contracts that keep canMintX true after minting
	stickyEligibility bool
	submits           map[ActionKind]int
}

// NewMemory constructs a simulated contract.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.EntryFee == nil {
		cfg.EntryFee = new(big.Int)
	}
	return &Memory{
		cfg:      cfg,
		players:  make(map[common.Address]*memPlayer),
		balances: make(map[common.Address]*big.Int),
		txs:      make(map[TxID]*memTx),
		submits:  make(map[ActionKind]int),
	}
}

// Fund sets an account balance.
func (m *Memory) Fund(addr common.Address, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Set(wei)
}

// FailReads makes the next n status reads fail.
func (m *Memory) FailReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
}

// RejectNextSubmit makes the next Submit fail with err.
func (m *Memory) RejectNextSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = err
}

// StickyEligibility keeps canMintX true after a mint.
func (m *Memory) StickyEligibility(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stickyEligibility = on
}

// Submits reports how many writes of kind were accepted.
func (m *Memory) Submits(kind ActionKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits[kind]
}

// ChainID implements NetworkProbe.
func (m *Memory) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(m.cfg.ChainID), nil
}

// BalanceAt implements NetworkProbe.
func (m *Memory) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// EntryFee reports the fee the contract accepts.
func (m *Memory) EntryFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.cfg.EntryFee), nil
}

// ReadPlayerStatus implements ChainClient.
func (m *Memory) ReadPlayerStatus(ctx context.Context, player common.Address) (PlayerRecord, error) {
	if err := ctx.Err(); err != nil {
		return PlayerRecord{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads > 0 {
		m.failReads--
		return PlayerRecord{}, fmt.Errorf("%w: simulated rpc failure", ErrRead)
	}
	p := m.players[player]
	if p == nil {
		return PlayerRecord{}, nil
	}
	return PlayerRecord{
		Paid:          p.paid,
		HighestScore:  p.highest,
		MintedClosed:  p.mintedClosed,
		MintedOpen:    p.mintedOpen,
		CanMintClosed: p.highest >= m.cfg.ClosedThreshold && (m.stickyEligibility || !p.mintedClosed),
		CanMintOpen:   p.highest >= m.cfg.OpenThreshold && (m.stickyEligibility || !p.mintedOpen),
	}, nil
}

// Submit implements ChainClient. Value is debited at broadcast.
func (m *Memory) Submit(ctx context.Context, call Call) (TxID, error) {
	if call.Kind.Method() == "" {
		return TxID{}, fmt.Errorf("%w: unknown action %q", ErrSubmit, call.Kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rejectNext; err != nil {
		m.rejectNext = nil
		return TxID{}, err
	}
	if call.Value != nil && call.Value.Sign() > 0 {
		bal := m.balances[call.From]
		if bal == nil || bal.Cmp(call.Value) < 0 {
			return TxID{}, fmt.Errorf("%w: %w", ErrSubmit, ErrInsufficientBalance)
		}
		m.balances[call.From] = new(big.Int).Sub(bal, call.Value)
	}
	m.nonce++
	id := m.txHash(call.From, m.nonce)
	m.txs[id] = &memTx{call: call}
	m.submits[call.Kind]++
	return id, nil
}

// AwaitConfirmation implements ChainClient.
func (m *Memory) AwaitConfirmation(ctx context.Context, id TxID) (Receipt, error) {
	if d := m.cfg.ConfirmDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Receipt{}, fmt.Errorf("%w: %s", ErrConfirmationTimeout, id.Hex())
			}
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return Receipt{}, fmt.Errorf("unknown transaction %s", id.Hex())
	}
	if !tx.mined {
		tx.mined = true
		tx.err = m.execute(tx.call)
		if v := tx.call.Value; tx.err != nil && v != nil && v.Sign() > 0 {
			// reverted value is refunded
			bal := m.balances[tx.call.From]
			if bal == nil {
				bal = new(big.Int)
			}
			m.balances[tx.call.From] = new(big.Int).Add(bal, v)
		}
	}
	if tx.err != nil {
		return Receipt{}, &RevertError{TxID: id, Reason: tx.err.Error()}
	}
	return Receipt{TxID: id, BlockNumber: m.nonce}, nil
}

// execute applies contract rules. Caller holds m.mu.
func (m *Memory) execute(call Call) error {
	p := m.players[call.From]
	if p == nil {
		p = &memPlayer{}
		m.players[call.From] = p
	}
	switch call.Kind {
	case PayToPlay:
		if call.Value == nil || call.Value.Cmp(m.cfg.EntryFee) != 0 {
			return errors.New("incorrect entry fee")
		}
		if p.paid {
			return errors.New("already paid")
		}
		p.paid = true
	case StartGame:
		if !p.paid {
			return errors.New("payment required")
		}
		p.started = true
	case RecordScore:
		if !p.paid && !p.started {
			return errors.New("payment required")
		}
		score, err := scoreArg(call.Args)
		if err != nil {
			return err
		}
		if score > p.highest {
			p.highest = score
		}
		p.paid, p.started = false, false
	case MintClosed:
		if p.highest < m.cfg.ClosedThreshold {
			return errors.New("score too low")
		}
		if p.mintedClosed {
			return errors.New("already minted")
		}
		p.mintedClosed = true
	case MintOpen:
		if p.highest < m.cfg.OpenThreshold {
			return errors.New("score too low")
		}
		if p.mintedOpen {
			return errors.New("already minted")
		}
		p.mintedOpen = true
	case ResetPayment:
		if call.From != m.cfg.Owner {
			return errors.New("caller is not the owner")
		}
		if len(call.Args) != 1 {
			return errors.New("missing player")
		}
		target, ok := call.Args[0].(common.Address)
		if !ok {
			return errors.New("player must be an address")
		}
		if tp := m.players[target]; tp != nil {
			tp.paid, tp.started = false, false
		}
	}
	return nil
}

func scoreArg(args []any) (uint64, error) {
	if len(args) != 1 {
		return 0, errors.New("missing score")
	}
	n, err := toUint64(args[0])
	if err != nil {
		return 0, fmt.Errorf("bad score: %w", err)
	}
	return n, nil
}

func (m *Memory) txHash(from common.Address, nonce uint64) TxID {
	var buf [28]byte
	copy(buf[:20], from.Bytes())
	binary.BigEndian.PutUint64(buf[20:], nonce)
	return sha256.Sum256(buf[:])
}
