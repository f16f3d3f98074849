package filterapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailrpc/internal/credential"
	"github.com/nhle/mailrpc/internal/emailrpc"
	"github.com/nhle/mailrpc/internal/model"
)

// PasswdCommand asks the filter service, by email, for the account's API
// password.
const PasswdCommand = "passwd"

// KeyStore persists API keys and yields account passwords.
// *credential.Store satisfies it.
type KeyStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Password(accountID string) (string, error)
}

// Commander sends a filterctl command by email and waits for the reply.
// *emailrpc.Controller satisfies it.
type Commander interface {
	SendCommand(ctx context.Context, accountID, command, argument string,
		body any, opts ...emailrpc.RequestOption) (emailrpc.Response, error)
}

// keyCache serves API keys from the keyring and bootstraps missing ones.
// Bootstraps are collapsed per account: callers for one account share a
// single passwd exchange while other accounts proceed independently.
type keyCache struct {
	store  KeyStore
	flight singleflight.Group

	mu  sync.RWMutex
	cmd Commander
}

func newKeyCache(store KeyStore) *keyCache {
	return &keyCache{store: store}
}

func (k *keyCache) setCommander(cmd Commander) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.cmd = cmd
}

func (k *keyCache) commander() Commander {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.cmd
}

func (k *keyCache) get(ctx context.Context, acct model.Account) (string, error) {
	key, err := k.cached(acct.ID)
	if err == nil || !errors.Is(err, credential.ErrNotFound) {
		return key, err
	}

	// The shared bootstrap runs under the context of the caller that
	// started it; a caller giving up early leaves it running for the rest.
	ch := k.flight.DoChan(acct.ID, func() (any, error) {
		return k.fill(ctx, acct)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (k *keyCache) cached(accountID string) (string, error) {
	return k.store.Get(credential.APIKeyKey(accountID))
}

// fill bootstraps and stores the key for acct unless a bootstrap that
// finished meanwhile already did.
func (k *keyCache) fill(ctx context.Context,
	acct model.Account) (string, error) {

	if key, err := k.cached(acct.ID); err == nil {
		return key, nil
	}

	ident, err := acct.PrimaryIdentity()
	if err != nil {
		return "", err
	}

	password, err := k.bootstrap(ctx, acct.ID)
	if err != nil {
		return "", err
	}

	key := apiKey(ident.Email, password)
	if err := k.store.Set(credential.APIKeyKey(acct.ID), key); err != nil {
		log.WarnS(ctx, "Caching API key", err, "account", acct.ID)
	}
	log.InfoS(ctx, "API key bootstrapped", "account", acct.ID)

	return key, nil
}

// bootstrap runs the passwd command. A reply without a password falls back
// to the account's mail password.
func (k *keyCache) bootstrap(ctx context.Context,
	accountID string) (string, error) {

	cmd := k.commander()
	if cmd == nil {
		return "", ErrNoCommander
	}

	resp, err := cmd.SendCommand(ctx, accountID, PasswdCommand, "", nil)
	if err != nil {
		return "", fmt.Errorf("%s command: %w", PasswdCommand, err)
	}
	for _, field := range []string{"Password", "password"} {
		if pw, ok := resp[field].(string); ok && pw != "" {
			return pw, nil
		}
	}

	pw, err := k.store.Password(accountID)
	if err != nil {
		return "", fmt.Errorf("%s reply carried no password: %w",
			PasswdCommand, err)
	}
	return pw, nil
}

func (k *keyCache) purge(ctx context.Context, accountID string) {
	err := k.store.Delete(credential.APIKeyKey(accountID))
	if err != nil {
		log.WarnS(ctx, "Purging API key", err, "account", accountID)
		return
	}
	log.InfoS(ctx, "Purged rejected API key", "account", accountID)
}

// apiKey encodes address:password the way the filter service expects.
func apiKey(address, password string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(address + ":" + password),
	)
}
