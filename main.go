package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/robalobadob/rhythm-mint/assets"
	"github.com/robalobadob/rhythm-mint/internal/config"
	"github.com/robalobadob/rhythm-mint/internal/game"
	"github.com/robalobadob/rhythm-mint/internal/httpserver"
	"github.com/robalobadob/rhythm-mint/internal/journal"
	"github.com/robalobadob/rhythm-mint/internal/ledger"
	"github.com/robalobadob/rhythm-mint/internal/session"
	"github.com/robalobadob/rhythm-mint/internal/status"
	"github.com/robalobadob/rhythm-mint/internal/txn"
	"github.com/robalobadob/rhythm-mint/internal/wallet"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := openDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	if err := migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	ws := wallet.NewSession()
	wallets := wallet.NewManager(ws, b.conn, b.probe)
	cache := status.New(b.client, status.WithRetries(cfg.StatusRetries), status.WithBackoff(cfg.StatusBackoff))
	engine := game.NewRemote()
	coord := session.New(
		session.Config{
			EntryFee:   cfg.EntryFeeWei(),
			Thresholds: session.Thresholds{Closed: cfg.ClosedThreshold, Open: cfg.OpenThreshold},
			ChainID:    cfg.ChainID,
		},
		b.client, ws, cache, engine,
		session.WithJournal(journal.NewSQLStore(db)),
		session.WithTrackerOptions(txn.WithTimeout(cfg.ConfirmationTimeout)),
	)
	srv := httpserver.New(coord, wallets, engine, httpserver.Options{
		ClientOrigin:      cfg.ClientOrigin,
		JWTSecret:         cfg.JWTSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
		Accounts:          b.accounts,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wallets.Watch(ctx, cfg.WalletPollInterval) })
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("chainMode", cfg.ChainMode).Uint64("chainId", cfg.ChainID).Msg("starting rhythm-mint")
		return srv.Run(ctx, ":"+cfg.Port)
	})
	return g.Wait()
}

// backend is the ledger plus the wallet plumbing that matches it.
type backend struct {
	client   ledger.ChainClient
	probe    ledger.NetworkProbe
	conn     wallet.Connector
	accounts func() []common.Address
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.ChainMode == config.ModeMemory {
		mem := ledger.NewMemory(ledger.MemoryConfig{
			ChainID:         cfg.ChainID,
			EntryFee:        cfg.EntryFeeWei(),
			ClosedThreshold: cfg.ClosedThreshold,
			OpenThreshold:   cfg.OpenThreshold,
			Owner:           cfg.Owner(),
			ConfirmDelay:    cfg.MemoryConfirmDelay,
		})
		log.Warn().Msg("using simulated ledger; nothing is written on-chain")
		var conn wallet.Connector = wallet.Open{}
		if amount := cfg.FaucetWei(); amount.Sign() > 0 {
			conn = faucet{chain: mem, amount: amount}
		}
		return backend{client: mem, probe: mem, conn: conn, close: func() {}}, nil
	}

	contractABI, err := ledger.ParseArtifact(assets.ContractArtifact)
	if err != nil {
		return backend{}, err
	}
	ks := wallet.OpenKeystore(cfg.KeystoreDir)
	eth, err := ledger.DialEth(ctx, cfg.RPCURL, cfg.Contract(), contractABI, ks)
	if err != nil {
		return backend{}, err
	}
	if id, err := eth.ChainID(ctx); err == nil && id.Uint64() != cfg.ChainID {
		log.Warn().Uint64("rpcChainId", id.Uint64()).Uint64("chainId", cfg.ChainID).Msg("RPC serves a different network; play stays disabled")
	}
	if err := checkEntryFee(ctx, eth, cfg.EntryFeeWei()); err != nil {
		eth.Close()
		return backend{}, err
	}
	log.Info().Str("contract", cfg.Contract().Hex()).Int("accounts", len(ks.Accounts())).Msg("ledger connected")
	return backend{client: eth, probe: eth, conn: ks, accounts: ks.Accounts, close: eth.Close}, nil
}

// checkEntryFee refuses to start when ENTRY_FEE differs from the contract's fee, since every
// pay-to-play would revert. An unreadable fee is only logged.
func checkEntryFee(ctx context.Context, r ledger.FeeReader, want *big.Int) error {
	got, err := r.EntryFee(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not read contract entry fee")
		return nil
	}
	if got.Cmp(want) != 0 {
		return fmt.Errorf("ENTRY_FEE is %s wei but the contract charges %s wei", want, got)
	}
	log.Debug().Str("wei", got.String()).Msg("entry fee matches contract")
	return nil
}

// faucet connects any address to the simulated ledger and tops it up to amount.
type faucet struct {
	chain  *ledger.Memory
	amount *big.Int
}

func (f faucet) Unlock(addr common.Address, _ string) error {
	bal, err := f.chain.BalanceAt(context.Background(), addr, nil)
	if err != nil {
		return err
	}
	if bal.Cmp(f.amount) < 0 {
		f.chain.Fund(addr, f.amount)
		log.Info().Str("address", addr.Hex()).Str("wei", f.amount.String()).Msg("faucet funded account")
	}
	return nil
}

func (faucet) Lock(common.Address) error { return nil }
