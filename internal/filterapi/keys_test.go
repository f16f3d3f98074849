package filterapi

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailrpc/internal/credential"
	"github.com/nhle/mailrpc/internal/emailrpc"
	"github.com/nhle/mailrpc/internal/model"
)

// gatedCommander holds passwd exchanges for gated accounts until the gate
// closes.
type gatedCommander struct {
	gates map[string]chan struct{}
	calls sync.Map
}

func (g *gatedCommander) SendCommand(ctx context.Context, accountID, _,
	_ string, _ any,
	_ ...emailrpc.RequestOption) (emailrpc.Response, error) {

	n, _ := g.calls.LoadOrStore(accountID, new(atomic.Int32))
	n.(*atomic.Int32).Add(1)

	if gate, ok := g.gates[accountID]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return emailrpc.Response{"Password": accountID + "-pw"}, nil
}

func (g *gatedCommander) count(accountID string) int32 {
	n, ok := g.calls.Load(accountID)
	if !ok {
		return 0
	}
	return n.(*atomic.Int32).Load()
}

func keyAccount(id string) model.Account {
	return model.Account{
		ID:         id,
		Identities: []model.Identity{{Email: id + "@example.org"}},
	}
}

func TestKeyBootstrapDoesNotBlockOtherAccounts(t *testing.T) {
	gate := make(chan struct{})
	cmd := &gatedCommander{gates: map[string]chan struct{}{"slow": gate}}
	keys := newKeyCache(credential.New(keyring.NewArrayKeyring(nil)))
	keys.setCommander(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slowDone := make(chan error, 1)
	go func() {
		_, err := keys.get(ctx, keyAccount("slow"))
		slowDone <- err
	}()
	require.Eventually(t, func() bool {
		return cmd.count("slow") == 1
	}, time.Second, 5*time.Millisecond)

	key, err := keys.get(ctx, keyAccount("fast"))
	require.NoError(t, err)
	require.Equal(t, apiKey("fast@example.org", "fast-pw"), key)

	select {
	case err := <-slowDone:
		t.Fatalf("slow bootstrap finished early: %v", err)
	default:
	}

	close(gate)
	require.NoError(t, <-slowDone)
}

func TestKeyBootstrapSharedPerAccount(t *testing.T) {
	gate := make(chan struct{})
	cmd := &gatedCommander{gates: map[string]chan struct{}{"work": gate}}
	store := credential.New(keyring.NewArrayKeyring(nil))
	keys := newKeyCache(store)
	keys.setCommander(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := keys.get(ctx, keyAccount("work"))
			if err != nil {
				key = err.Error()
			}
			results <- key
		}()
	}

	require.Eventually(t, func() bool {
		return cmd.count("work") == 1
	}, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	want := apiKey("work@example.org", "work-pw")
	for key := range results {
		require.Equal(t, want, key)
	}
	require.EqualValues(t, 1, cmd.count("work"))

	cached, err := store.Get(credential.APIKeyKey("work"))
	require.NoError(t, err)
	require.Equal(t, want, cached)
}

func TestKeyWaitHonoursCallerContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	cmd := &gatedCommander{gates: map[string]chan struct{}{"work": gate}}
	keys := newKeyCache(credential.New(keyring.NewArrayKeyring(nil)))
	keys.setCommander(cmd)

	go func() {
		_, _ = keys.get(context.Background(), keyAccount("work"))
	}()
	require.Eventually(t, func() bool {
		return cmd.count("work") == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(),
		50*time.Millisecond)
	defer cancel()

	_, err := keys.get(ctx, keyAccount("work"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
