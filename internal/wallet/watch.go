// internal/wallet/watch.go
//
// Connection management and polling for the wallet session.
// Responsibilities:
//   - Connect: unlock the signing account, learn the network, read the balance.
//   - Disconnect: lock the account and clear the session.
//   - Watch: poll chain id and balance so network switches and balance changes
//     reach the session without user action.

package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/rhythm-mint/internal/ledger"
)

// DefaultPollInterval is the Watch period when none is configured.
const DefaultPollInterval = 5 * time.Second

// Manager drives a Session from a Connector and a NetworkProbe.
type Manager struct {
	session *Session
	conn    Connector
	probe   ledger.NetworkProbe
}

// NewManager wires a Session to its collaborators.
func NewManager(s *Session, conn Connector, probe ledger.NetworkProbe) *Manager {
	return &Manager{session: s, conn: conn, probe: probe}
}

// Session returns the managed session.
func (m *Manager) Session() *Session { return m.session }

// Connect unlocks addr and marks it connected on the probe's current network.
func (m *Manager) Connect(ctx context.Context, addr common.Address, passphrase string) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("connect: empty address")
	}
	if err := m.conn.Unlock(addr, passphrase); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	chainID, err := m.probe.ChainID(ctx)
	if err != nil {
		_ = m.conn.Lock(addr)
		return fmt.Errorf("connect: chain id: %w", err)
	}
	if prev := m.session.State(); prev.Connected && prev.Address != addr {
		_ = m.conn.Lock(prev.Address)
	}
	m.session.Connect(addr, chainID.Uint64())
	log.Info().Str("address", addr.Hex()).Uint64("chainId", chainID.Uint64()).Msg("wallet connected")
	if err := m.Poll(ctx); err != nil {
		log.Warn().Err(err).Msg("initial wallet poll failed")
	}
	return nil
}

// Disconnect locks the current account and clears the session.
func (m *Manager) Disconnect() {
	st := m.session.State()
	if st.Connected {
		if err := m.conn.Lock(st.Address); err != nil {
			log.Warn().Err(err).Str("address", st.Address.Hex()).Msg("lock account")
		}
	}
	m.session.Disconnect()
	log.Info().Str("address", st.Address.Hex()).Msg("wallet disconnected")
}

// Poll refreshes chain id and balance once.
func (m *Manager) Poll(ctx context.Context) error {
	st := m.session.State()
	if !st.Connected {
		return nil
	}
	chainID, err := m.probe.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	m.session.SetChain(chainID.Uint64())
	bal, err := m.probe.BalanceAt(ctx, st.Address, nil)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	m.session.SetBalance(st.Address, bal)
	return nil
}

// Watch polls every interval until ctx is done.
func (m *Manager) Watch(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultPollInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				log.Debug().Err(err).Msg("wallet poll failed")
			}
		}
	}
}
