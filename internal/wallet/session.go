// internal/wallet/session.go
//
// WalletSession: the explicitly injected wallet connection state.
// Holds the connected address, the network the wallet is on and its last known balance,
// and notifies subscribers of every change in order.

package wallet

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State is an immutable view of the wallet connection.
type State struct {
	Address   common.Address `json:"address"`
	Connected bool           `json:"connected"`
	ChainID   uint64         `json:"chainId"`
	Balance   *big.Int       `json:"balance,omitempty"` // nil until first read
}

// Listener observes a state change. Listeners run synchronously, in registration order,
// and must not mutate the Session they observe.
type Listener func(prev, next State)

// Session is safe for concurrent use. Updates are serialized so listeners observe
// changes in the order they were applied.
type Session struct {
	updates sync.Mutex // serializes apply+notify

	mu        sync.RWMutex
	state     State
	listeners []Listener
}

// NewSession returns a disconnected session.
func NewSession() *Session { return &Session{} }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn for future changes.
func (s *Session) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Connect marks addr as connected on chainID. Connecting a different address drops
// the previous balance.
func (s *Session) Connect(addr common.Address, chainID uint64) {
	s.update(func(st *State) {
		if st.Address != addr {
			st.Balance = nil
		}
		st.Address, st.Connected, st.ChainID = addr, true, chainID
	})
}

// Disconnect clears the connection.
func (s *Session) Disconnect() {
	s.update(func(st *State) { *st = State{} })
}

// SetChain records the wallet's current network.
func (s *Session) SetChain(chainID uint64) {
	s.update(func(st *State) { st.ChainID = chainID })
}

// SetBalance records a balance read for addr. Reads for an address that is no longer
// connected are dropped.
func (s *Session) SetBalance(addr common.Address, wei *big.Int) {
	s.update(func(st *State) {
		if !st.Connected || st.Address != addr || wei == nil {
			return
		}
		st.Balance = new(big.Int).Set(wei)
	})
}

func (s *Session) update(fn func(*State)) {
	s.updates.Lock()
	defer s.updates.Unlock()

	s.mu.Lock()
	prev := s.state
	next := prev
	fn(&next)
	s.state = next
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if sameState(prev, next) {
		return
	}
	for _, l := range listeners {
		l(prev, next)
	}
}

func sameState(a, b State) bool {
	if a.Address != b.Address || a.Connected != b.Connected || a.ChainID != b.ChainID {
		return false
	}
	if a.Balance == nil || b.Balance == nil {
		return a.Balance == nil && b.Balance == nil
	}
	return a.Balance.Cmp(b.Balance) == 0
}
