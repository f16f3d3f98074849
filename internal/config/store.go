// Package config implements the named-value configuration store with a
// persistent "local" namespace and a process-lifetime "session" namespace.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/nhle/mailrpc/internal/store"
)

// Namespace selects one of the two value sets.
type Namespace string

const (
	// Local values persist across restarts.
	Local Namespace = "local"

	// Session values are cleared on restart.
	Session Namespace = "session"
)

// Local keys.
const (
	KeyOptInApproved         = "optInApproved"
	KeyDomain                = "domain"
	KeyAutoDelete            = "autoDelete"
	KeyBackgroundSend        = "backgroundSend"
	KeyFilterctlCacheEnabled = "filterctlCacheEnabled"
	KeyUsageResponse         = "usageResponse"
	KeyFilterctlState        = "filterctlState"
	KeyAddSenderTarget       = "addSenderTarget"
	KeySelectedAccount       = "selectedAccount"
	KeyEmailResponseTimeout  = "emailResponseTimeout"
)

// Session keys.
const (
	KeyInitialized                   = "initialized"
	KeyMessageDisplayActionAccountID = "messageDisplayActionAccountId"
	KeyActiveRescans                 = "activeRescans"
)

// readbackTries bounds how many times a write is read back before it is
// reported as failed.
const readbackTries = 5

// readbackDelay is the pause before the second read back. It doubles with
// every further try.
var readbackDelay = 10 * time.Millisecond

var (
	// ErrUnknownKey is returned for a key not registered in the namespace.
	ErrUnknownKey = errors.New("unknown config key")

	// ErrUnknownNamespace is returned for a namespace other than local or
	// session.
	ErrUnknownNamespace = errors.New("unknown config namespace")

	// ErrReadback is returned when a written value cannot be read back.
	ErrReadback = errors.New("config readback failed")
)

var localKeys = []string{
	KeyOptInApproved,
	KeyDomain,
	KeyAutoDelete,
	KeyBackgroundSend,
	KeyFilterctlCacheEnabled,
	KeyUsageResponse,
	KeyFilterctlState,
	KeyAddSenderTarget,
	KeySelectedAccount,
	KeyEmailResponseTimeout,
}

var sessionKeys = []string{
	KeyInitialized,
	KeyMessageDisplayActionAccountID,
	KeyActiveRescans,
}

// localDefaults are returned by local reads when no value is stored.
func localDefaults() map[string]any {
	return map[string]any{
		KeyOptInApproved:         false,
		KeyDomain:                map[string]any{},
		KeyAutoDelete:            true,
		KeyFilterctlCacheEnabled: true,
		KeyBackgroundSend:        true,
	}
}

type namespace struct {
	name     Namespace
	keys     []string
	defaults map[string]any
	backend  Backend

	// mu serializes every operation on the namespace.
	mu sync.Mutex
}

// Store is the configuration store. Each namespace serializes its own
// operations; the two namespaces are independent.
type Store struct {
	local   *namespace
	session *namespace
}

// NewStore returns a Store whose local namespace lives in persistent and
// whose session namespace lives in memory.
func NewStore(persistent Backend) *Store {
	return &Store{
		local: &namespace{
			name:     Local,
			keys:     localKeys,
			defaults: localDefaults(),
			backend:  persistent,
		},
		session: &namespace{
			name:    Session,
			keys:    sessionKeys,
			backend: NewMemoryBackend(),
		},
	}
}

func (s *Store) ns(name Namespace) (*namespace, error) {
	switch name {
	case Local:
		return s.local, nil
	case Session:
		return s.session, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, name)
	}
}

// Keys returns the keys registered in a namespace.
func (s *Store) Keys(name Namespace) ([]string, error) {
	n, err := s.ns(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(n.keys), nil
}

func (n *namespace) validate(key string) error {
	if !slices.Contains(n.keys, key) {
		return fmt.Errorf("%w: %s config key %q not one of [%s]",
			ErrUnknownKey, n.name, key, strings.Join(n.keys, ", "))
	}
	return nil
}

// Get returns the value stored under key, the namespace default when
// useDefaults is set and nothing is stored, or None.
func (s *Store) Get(ctx context.Context, name Namespace, key string,
	useDefaults bool) (fn.Option[any], error) {

	n, err := s.ns(name)
	if err != nil {
		return fn.None[any](), err
	}
	if err := n.validate(key); err != nil {
		return fn.None[any](), err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	raw, err := n.backend.GetValue(ctx, string(n.name), key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if def, ok := n.defaults[key]; ok && useDefaults {
			return fn.Some(def), nil
		}
		return fn.None[any](), nil

	case err != nil:
		return fn.None[any](), err
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fn.None[any](), fmt.Errorf("decoding %s/%s: %w",
			n.name, key, err)
	}
	log.TraceS(ctx, "Config get", "namespace", n.name, "key", key,
		"value", v)

	return fn.Some(v), nil
}

// GetBool returns the truthiness of the value under key, using defaults.
func (s *Store) GetBool(ctx context.Context, name Namespace,
	key string) (bool, error) {

	v, err := s.Get(ctx, name, key, true)
	if err != nil {
		return false, err
	}
	return truthy(v.UnwrapOr(nil)), nil
}

// GetString returns the string stored under key, or "" when absent or not a
// string.
func (s *Store) GetString(ctx context.Context, name Namespace,
	key string) (string, error) {

	v, err := s.Get(ctx, name, key, true)
	if err != nil {
		return "", err
	}
	str, _ := v.UnwrapOr("").(string)
	return str, nil
}

// GetAll returns every stored value in the namespace, with defaults filled
// in for absent keys when useDefaults is set.
func (s *Store) GetAll(ctx context.Context, name Namespace,
	useDefaults bool) (map[string]any, error) {

	n, err := s.ns(name)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	raw, err := n.backend.GetValues(ctx, string(n.name))
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(raw)+len(n.defaults))
	for k, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", n.name, k, err)
		}
		out[k] = v
	}
	if useDefaults {
		for k, def := range n.defaults {
			if _, ok := out[k]; !ok {
				out[k] = def
			}
		}
	}

	return out, nil
}

// Set stores value under key and verifies the write by reading it back.
func (s *Store) Set(ctx context.Context, name Namespace, key string,
	value any) error {

	n, err := s.ns(name)
	if err != nil {
		return err
	}
	if err := n.validate(key); err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", n.name, key, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.backend.SetValue(ctx, string(n.name), key,
		string(encoded)); err != nil {

		return err
	}
	log.DebugS(ctx, "Config set", "namespace", n.name, "key", key)

	return n.readback(ctx, key, fn.Some(string(encoded)))
}

// SetBool stores the boolean value of v under key.
func (s *Store) SetBool(ctx context.Context, name Namespace, key string,
	v bool) error {

	return s.Set(ctx, name, key, v)
}

// Remove deletes the value stored under key.
func (s *Store) Remove(ctx context.Context, name Namespace, key string) error {
	n, err := s.ns(name)
	if err != nil {
		return err
	}
	if err := n.validate(key); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.backend.DeleteValue(ctx, string(n.name), key); err != nil {
		return err
	}
	log.DebugS(ctx, "Config remove", "namespace", n.name, "key", key)

	return n.readback(ctx, key, fn.None[string]())
}

// Reset clears every value in the namespace.
func (s *Store) Reset(ctx context.Context, name Namespace) error {
	n, err := s.ns(name)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.backend.DeleteNamespace(ctx, string(n.name)); err != nil {
		return err
	}
	log.InfoS(ctx, "Config reset", "namespace", n.name)

	for i := range readbackTries {
		if err := readbackPause(ctx, i); err != nil {
			return err
		}
		all, err := n.backend.GetValues(ctx, string(n.name))
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return nil
		}
	}

	return fmt.Errorf("%w: reset %s", ErrReadback, n.name)
}

// readback confirms that key holds want (or is absent for None). The caller
// must hold n.mu.
func (n *namespace) readback(ctx context.Context, key string,
	want fn.Option[string]) error {

	for i := range readbackTries {
		if err := readbackPause(ctx, i); err != nil {
			return err
		}
		got, err := n.backend.GetValue(ctx, string(n.name), key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if want.IsNone() {
				return nil
			}

		case err != nil:
			return err

		case want.IsSome() && sameJSON(got, want.UnwrapOr("")):
			return nil
		}

		log.WarnS(ctx, "Config readback mismatch", nil,
			"namespace", n.name, "key", key, "try", i+1)
	}

	return fmt.Errorf("%w: %s/%s", ErrReadback, n.name, key)
}

// readbackPause waits before read back number try, giving a lagging backend
// time to settle. The first read happens at once.
func readbackPause(ctx context.Context, try int) error {
	if try == 0 {
		return nil
	}

	t := time.NewTimer(readbackDelay << (try - 1))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sameJSON(a, b string) bool {
	if a == b {
		return true
	}
	var va, vb any
	if json.Unmarshal([]byte(a), &va) != nil ||
		json.Unmarshal([]byte(b), &vb) != nil {

		return false
	}
	return reflect.DeepEqual(va, vb)
}

// truthy mirrors loose boolean coercion of a decoded JSON value.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// AutoDelete reports whether request and reply messages are deleted after
// use.
func (s *Store) AutoDelete(ctx context.Context) bool {
	return s.boolOr(ctx, KeyAutoDelete, true)
}

// BackgroundSend reports whether requests are submitted directly rather than
// through the compose path.
func (s *Store) BackgroundSend(ctx context.Context) bool {
	return s.boolOr(ctx, KeyBackgroundSend, true)
}

// ResponseTimeout returns the configured reply timeout override, in seconds
// in storage.
func (s *Store) ResponseTimeout(ctx context.Context) fn.Option[time.Duration] {
	v, err := s.Get(ctx, Local, KeyEmailResponseTimeout, false)
	if err != nil {
		log.WarnS(ctx, "Reading response timeout", err)
		return fn.None[time.Duration]()
	}

	secs, ok := v.UnwrapOr(nil).(float64)
	if !ok || secs <= 0 {
		return fn.None[time.Duration]()
	}

	return fn.Some(time.Duration(secs * float64(time.Second)))
}

func (s *Store) boolOr(ctx context.Context, key string, def bool) bool {
	v, err := s.GetBool(ctx, Local, key)
	if err != nil {
		log.WarnS(ctx, "Reading config flag", err, "key", key)
		return def
	}
	return v
}
