package wallet

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownAccount is returned when the keystore holds no key for an address.
var ErrUnknownAccount = errors.New("unknown account")

// Connector unlocks and locks signing accounts.
type Connector interface {
	Unlock(addr common.Address, passphrase string) error
	Lock(addr common.Address) error
}

// Keystore is a Connector and ledger.Signer over an encrypted go-ethereum keystore directory.
type Keystore struct {
	ks *keystore.KeyStore
}

// OpenKeystore opens (and creates if missing) a keystore directory.
func OpenKeystore(dir string) *Keystore {
	return &Keystore{ks: keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)}
}

// Accounts lists addresses available for connection.
func (k *Keystore) Accounts() []common.Address {
	accts := k.ks.Accounts()
	out := make([]common.Address, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.Address)
	}
	return out
}

// Unlock decrypts the key for addr until Lock is called.
func (k *Keystore) Unlock(addr common.Address, passphrase string) error {
	acct, err := k.ks.Find(accounts.Account{Address: addr})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, addr.Hex())
	}
	if err := k.ks.Unlock(acct, passphrase); err != nil {
		return fmt.Errorf("unlock %s: %w", addr.Hex(), err)
	}
	return nil
}

// Lock drops the decrypted key for addr.
func (k *Keystore) Lock(addr common.Address) error {
	return k.ks.Lock(addr)
}

// Transactor returns signing options for an unlocked account.
// Signing with a locked account fails with keystore.ErrLocked.
func (k *Keystore) Transactor(from common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	return bind.NewKeyStoreTransactorWithChainID(k.ks, accounts.Account{Address: from}, chainID)
}

// Open is a Connector for wallets that need no unlocking (simulated ledger).
type Open struct{}

func (Open) Unlock(common.Address, string) error { return nil }
func (Open) Lock(common.Address) error           { return nil }
