// internal/config/config.go
//
// Process configuration, read once at startup from the environment (.env is loaded by main).
// Raw values are parsed with caarlos0/env, then validated and converted into the typed
// values the rest of the server consumes (wei amounts, addresses).

package config

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/bcrypt"

	"github.com/robalobadob/rhythm-mint/internal/ledger"
)

const (
	ModeEth    = "eth"
	ModeMemory = "memory"
)

// Config is the validated configuration.
type Config struct {
	ChainMode           string        `env:"CHAIN_MODE"           envDefault:"memory"`
	RPCURL              string        `env:"RPC_URL"              envDefault:"https://testnet-rpc.monad.xyz"`
	ChainID             uint64        `env:"CHAIN_ID"             envDefault:"10143"`
	ContractAddress     string        `env:"CONTRACT_ADDRESS"`
	EntryFee            string        `env:"ENTRY_FEE"            envDefault:"0.01"`
	ClosedThreshold     uint64        `env:"CLOSED_THRESHOLD"     envDefault:"50"`
	OpenThreshold       uint64        `env:"OPEN_THRESHOLD"       envDefault:"160"`
	KeystoreDir         string        `env:"KEYSTORE_DIR"         envDefault:"./data/keystore"`
	ConfirmationTimeout time.Duration `env:"CONFIRMATION_TIMEOUT" envDefault:"60s"`
	StatusRetries       uint          `env:"STATUS_RETRIES"       envDefault:"3"`
	StatusBackoff       time.Duration `env:"STATUS_BACKOFF"       envDefault:"1s"`
	WalletPollInterval  time.Duration `env:"WALLET_POLL_INTERVAL" envDefault:"5s"`

	// simulated ledger only
	MemoryOwner        string        `env:"MEMORY_OWNER"`
	MemoryFaucet       string        `env:"MEMORY_FAUCET"        envDefault:"1"`
	MemoryConfirmDelay time.Duration `env:"MEMORY_CONFIRM_DELAY" envDefault:"1s"`

	Port              string `env:"PORT"                envDefault:"5175"`
	DBPath            string `env:"DB_PATH"             envDefault:"./data/app.db"`
	LogLevel          string `env:"LOG_LEVEL"           envDefault:"info"`
	ClientOrigin      string `env:"CLIENT_ORIGIN"       envDefault:"http://localhost:5173"`
	JWTSecret         string `env:"JWT_SECRET"          envDefault:"dev_secret_change_me"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	entryFeeWei *big.Int
	faucetWei   *big.Int
}

// Load reads the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.ChainMode != ModeEth && c.ChainMode != ModeMemory {
		errs = append(errs, fmt.Errorf("CHAIN_MODE must be %q or %q, got %q", ModeEth, ModeMemory, c.ChainMode))
	}
	if c.ClosedThreshold >= c.OpenThreshold {
		errs = append(errs, fmt.Errorf("CLOSED_THRESHOLD (%d) must be below OPEN_THRESHOLD (%d)", c.ClosedThreshold, c.OpenThreshold))
	}
	fee, err := ledger.ParseEther(c.EntryFee)
	if err != nil {
		errs = append(errs, fmt.Errorf("ENTRY_FEE: %w", err))
	}
	c.entryFeeWei = fee
	faucet, err := ledger.ParseEther(c.MemoryFaucet)
	if err != nil {
		errs = append(errs, fmt.Errorf("MEMORY_FAUCET: %w", err))
	}
	c.faucetWei = faucet

	if c.ChainMode == ModeEth {
		if !common.IsHexAddress(c.ContractAddress) {
			errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS must be a hex address, got %q", c.ContractAddress))
		}
		if c.RPCURL == "" {
			errs = append(errs, errors.New("RPC_URL is required"))
		}
	}
	if c.MemoryOwner != "" && !common.IsHexAddress(c.MemoryOwner) {
		errs = append(errs, fmt.Errorf("MEMORY_OWNER must be a hex address, got %q", c.MemoryOwner))
	}
	if c.AdminPasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminPasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("ADMIN_PASSWORD_HASH: %w", err))
		}
	}
	if c.ConfirmationTimeout <= 0 {
		errs = append(errs, errors.New("CONFIRMATION_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// EntryFeeWei is ENTRY_FEE in wei.
func (c Config) EntryFeeWei() *big.Int { return copyInt(c.entryFeeWei) }

// FaucetWei is MEMORY_FAUCET in wei.
func (c Config) FaucetWei() *big.Int { return copyInt(c.faucetWei) }

// Contract is the parsed CONTRACT_ADDRESS.
func (c Config) Contract() common.Address { return common.HexToAddress(c.ContractAddress) }

// Owner is the parsed MEMORY_OWNER, zero when unset.
func (c Config) Owner() common.Address { return common.HexToAddress(c.MemoryOwner) }

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
