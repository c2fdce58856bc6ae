package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"avs/internal/logging"
	"avs/internal/task"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Keystore exposes an encrypted go-ethereum keystore directory as
// task.Keystore. Decrypted keys are cached since scrypt is slow.
type Keystore struct {
	ks         *keystore.KeyStore
	passphrase string
	cache      *lru.Cache[common.Address, *ecdsa.PrivateKey]
	logger     logging.Logger
}

// KeystoreOptions configures NewKeystore.
type KeystoreOptions struct {
	Dir        string
	Passphrase string
	CacheSize  int
	// LightScrypt uses cheap scrypt parameters for new keys. Tests only.
	LightScrypt bool
	Logger      logging.Logger
}

// NewKeystore opens (creating if needed) the keystore directory.
func NewKeystore(opts KeystoreOptions) (*Keystore, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("keystore directory is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 16
	}
	cache, err := lru.New[common.Address, *ecdsa.PrivateKey](size)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}

	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if opts.LightScrypt {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}

	return &Keystore{
		ks:         keystore.NewKeyStore(opts.Dir, scryptN, scryptP),
		passphrase: opts.Passphrase,
		cache:      cache,
		logger:     logging.OrNop(opts.Logger),
	}, nil
}

var _ task.Keystore = (*Keystore)(nil)

// ListCredentials lists the accounts in the directory. Only ecdsa is supported;
// other schemes yield an empty list.
func (k *Keystore) ListCredentials(_ context.Context, scheme string) ([]task.Credential, error) {
	if !strings.EqualFold(scheme, task.SchemeECDSA) {
		return nil, nil
	}
	accts := k.ks.Accounts()
	creds := make([]task.Credential, 0, len(accts))
	for _, a := range accts {
		creds = append(creds, task.Credential{
			ID:      a.URL.String(),
			Scheme:  task.SchemeECDSA,
			Address: a.Address.Hex(),
		})
	}
	return creds, nil
}

// ExposeSecret decrypts the key for cred.
func (k *Keystore) ExposeSecret(_ context.Context, cred task.Credential) (*ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(cred.Address) {
		return nil, fmt.Errorf("credential %s: invalid address %q", cred.ID, cred.Address)
	}
	addr := common.HexToAddress(cred.Address)
	if key, ok := k.cache.Get(addr); ok {
		return key, nil
	}

	acct, err := k.ks.Find(accounts.Account{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", cred.ID, err)
	}
	data, err := os.ReadFile(acct.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := keystore.DecryptKey(data, k.passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", addr.Hex(), err)
	}

	k.cache.Add(addr, key.PrivateKey)
	k.logger.Debug("Unlocked key %s", addr.Hex())
	return key.PrivateKey, nil
}

// NewAccount creates a fresh key encrypted with the keystore passphrase.
func (k *Keystore) NewAccount() (task.Credential, error) {
	acct, err := k.ks.NewAccount(k.passphrase)
	if err != nil {
		return task.Credential{}, fmt.Errorf("create account: %w", err)
	}
	return task.Credential{ID: acct.URL.String(), Scheme: task.SchemeECDSA, Address: acct.Address.Hex()}, nil
}

// FirstKey returns the first exposable key, for callers that sign outside
// the pipeline.
func (k *Keystore) FirstKey(ctx context.Context) (*ecdsa.PrivateKey, task.Credential, error) {
	creds, err := k.ListCredentials(ctx, task.SchemeECDSA)
	if err != nil {
		return nil, task.Credential{}, err
	}
	for _, cred := range creds {
		key, err := k.ExposeSecret(ctx, cred)
		if err != nil {
			k.logger.Warn("Credential %s unusable: %v", cred.ID, err)
			continue
		}
		return key, cred, nil
	}
	return nil, task.Credential{}, fmt.Errorf("no usable ecdsa key in keystore")
}
