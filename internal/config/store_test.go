package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailrpc/internal/store"
	"github.com/nhle/mailrpc/tests/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testutil.NewTestStore(t))
}

func TestLocalDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.GetBool(ctx, Local, KeyAutoDelete)
	require.NoError(t, err)
	require.True(t, v)

	v, err = s.GetBool(ctx, Local, KeyOptInApproved)
	require.NoError(t, err)
	require.False(t, v)

	raw, err := s.Get(ctx, Local, KeyAutoDelete, false)
	require.NoError(t, err)
	require.True(t, raw.IsNone())

	require.True(t, s.AutoDelete(ctx))
	require.True(t, s.BackgroundSend(ctx))
	require.True(t, s.ResponseTimeout(ctx).IsNone())
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetBool(ctx, Local, KeyAutoDelete, false))
	require.False(t, s.AutoDelete(ctx))

	require.NoError(t, s.Set(ctx, Local, KeySelectedAccount, "work"))
	acct, err := s.GetString(ctx, Local, KeySelectedAccount)
	require.NoError(t, err)
	require.Equal(t, "work", acct)

	require.NoError(t, s.Set(ctx, Local, KeyEmailResponseTimeout, 45))
	timeout := s.ResponseTimeout(ctx)
	require.Equal(t, 45*time.Second, timeout.UnwrapOr(0))

	require.NoError(t, s.Set(ctx, Local, KeyDomain,
		map[string]any{"example.org": true}))
	all, err := s.GetAll(ctx, Local, true)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"example.org": true}, all[KeyDomain])
	require.Equal(t, false, all[KeyAutoDelete])
	require.Equal(t, true, all[KeyFilterctlCacheEnabled])

	require.NoError(t, s.Remove(ctx, Local, KeyAutoDelete))
	require.True(t, s.AutoDelete(ctx))

	require.NoError(t, s.Reset(ctx, Local))
	all, err = s.GetAll(ctx, Local, false)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestUnknownKeysRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Set(ctx, Local, "bogus", true)
	require.ErrorIs(t, err, ErrUnknownKey)

	// Session keys are not valid in the local namespace.
	_, err = s.Get(ctx, Local, KeyInitialized, true)
	require.ErrorIs(t, err, ErrUnknownKey)

	err = s.Remove(ctx, "global", KeyAutoDelete)
	require.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestSessionIsIndependent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetBool(ctx, Session, KeyInitialized, true))
	v, err := s.GetBool(ctx, Session, KeyInitialized)
	require.NoError(t, err)
	require.True(t, v)

	local, err := s.GetAll(ctx, Local, false)
	require.NoError(t, err)
	require.Empty(t, local)

	require.NoError(t, s.Reset(ctx, Session))
	v, err = s.GetBool(ctx, Session, KeyInitialized)
	require.NoError(t, err)
	require.False(t, v)
}

func TestUpdateActiveRescans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.UpdateActiveRescans(ctx, map[string]any{"Success": true}, false)
	require.ErrorIs(t, err, ErrInvalidRescanResponse)

	require.NoError(t, s.UpdateActiveRescans(ctx, map[string]any{
		"Status": map[string]any{
			"r1": map[string]any{"Running": true},
		},
	}, false))
	require.NoError(t, s.UpdateActiveRescans(ctx, map[string]any{
		"Status": map[string]any{
			"r2": map[string]any{"Running": false},
		},
	}, false))

	v, err := s.Get(ctx, Session, KeyActiveRescans, false)
	require.NoError(t, err)
	active := v.UnwrapOr(nil).(map[string]any)
	require.Len(t, active, 2)

	require.NoError(t, s.UpdateActiveRescans(ctx, map[string]any{
		"Status": map[string]any{
			"r2": map[string]any{"Running": false},
		},
	}, true))
	v, err = s.Get(ctx, Session, KeyActiveRescans, false)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"r2": map[string]any{"Running": false},
	}, v.UnwrapOr(nil))
}

// laggingBackend hides stored values from the first lag reads.
type laggingBackend struct {
	*MemoryBackend

	mu    sync.Mutex
	lag   int
	reads []time.Time
}

func (b *laggingBackend) GetValue(ctx context.Context, ns,
	key string) (string, error) {

	b.mu.Lock()
	b.reads = append(b.reads, time.Now())
	stale := len(b.reads) <= b.lag
	b.mu.Unlock()

	if stale {
		return "", store.ErrNotFound
	}
	return b.MemoryBackend.GetValue(ctx, ns, key)
}

func TestReadbackBacksOff(t *testing.T) {
	ctx := context.Background()
	b := &laggingBackend{MemoryBackend: NewMemoryBackend(), lag: 2}
	s := NewStore(b)

	require.NoError(t, s.Set(ctx, Local, KeyDomain, "example.org"))

	require.Len(t, b.reads, 3)
	require.GreaterOrEqual(t, b.reads[1].Sub(b.reads[0]), readbackDelay)
	require.GreaterOrEqual(t, b.reads[2].Sub(b.reads[1]), 2*readbackDelay)
}

func TestReadbackGivesUp(t *testing.T) {
	ctx := context.Background()
	b := &laggingBackend{MemoryBackend: NewMemoryBackend(), lag: 100}
	s := NewStore(b)

	err := s.Set(ctx, Local, KeyDomain, "example.org")
	require.ErrorIs(t, err, ErrReadback)
	require.Len(t, b.reads, readbackTries)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = s.Set(cctx, Local, KeyDomain, "example.org")
	require.ErrorIs(t, err, context.Canceled)
}
