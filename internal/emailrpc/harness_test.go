package emailrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailrpc/internal/account"
	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
)

const testAccountID = "work"

func testAccount() model.Account {
	return model.Account{
		ID:   testAccountID,
		Name: "Work",
		Identities: []model.Identity{{
			Email: "me@example.org", Name: "Me",
		}},
		Enabled: true,
	}
}

// fakeClock is a settable time source shared by the controller's maps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport records submitted requests.
type fakeTransport struct {
	mu   sync.Mutex
	sent []mailbox.Outbound
	err  error
	ch   chan mailbox.Outbound
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan mailbox.Outbound, 64)}
}

func (f *fakeTransport) Send(_ context.Context, _ model.Account,
	out mailbox.Outbound) (*mailbox.SentReceipt, error) {

	f.mu.Lock()
	err := f.err
	if err == nil {
		f.sent = append(f.sent, out)
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	f.ch <- out

	return &mailbox.SentReceipt{
		MessageID: out.MessageID,
		RequestID: out.RequestID,
		SentAt:    out.Date,
	}, nil
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// next waits for the next submitted request.
func (f *fakeTransport) next(t *testing.T) mailbox.Outbound {
	t.Helper()

	select {
	case out := <-f.ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no request was sent")
		return mailbox.Outbound{}
	}
}

// fakeJanitor records cleanup calls and fails while err is set.
type fakeJanitor struct {
	mu    sync.Mutex
	calls []model.FolderKey
	uids  [][]uint32
	err   error
}

func (j *fakeJanitor) DeleteArtifacts(_ context.Context, acct model.Account,
	role model.FolderRole, uids []uint32) (int, error) {

	j.mu.Lock()
	defer j.mu.Unlock()

	j.calls = append(j.calls, model.FolderKey{
		AccountID: acct.ID, Role: role,
	})
	j.uids = append(j.uids, uids)
	if j.err != nil {
		return 0, j.err
	}
	return 1, nil
}

func (j *fakeJanitor) callCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.calls)
}

type harness struct {
	ctrl      *Controller
	clock     *fakeClock
	transport *fakeTransport
	janitor   *fakeJanitor
	seq       int
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	dir, err := account.NewDirectory([]model.Account{testAccount()})
	require.NoError(t, err)

	h := &harness{
		clock:     newFakeClock(),
		transport: newFakeTransport(),
		janitor:   &fakeJanitor{},
	}

	cfg := DefaultConfig()
	cfg.Accounts = dir
	cfg.Background = h.transport
	cfg.Janitor = h.janitor
	cfg.Clock = h.clock.Now
	// Keep the periodic tick out of the way; tests drive Reconcile.
	cfg.TickInterval = time.Hour
	for _, opt := range opts {
		opt(&cfg)
	}

	h.ctrl, err = New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, h.ctrl.Stop())
	})

	return h
}

// reply builds a filterctl reply carrying requestID in its header and body
// as its payload.
func (h *harness) reply(requestID string, body map[string]any) mailbox.Inbound {
	h.seq++

	var text string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		text = string(b)
	}

	return mailbox.Inbound{
		UID:       uint32(h.seq),
		MessageID: fmt.Sprintf("reply-%d@example.org", h.seq),
		Subject:   mailbox.ResponseSubject,
		Author:    "filterctl@example.org",
		Headers: map[string]string{
			"x-filterctl-request-id": "<" + requestID + ">",
		},
		Body: text,
	}
}

func (h *harness) deliver(t *testing.T,
	msgs ...mailbox.Inbound) []ReceiveOutcome {

	t.Helper()

	page := mailbox.NewPage(testAccountID, mailbox.Inbox, msgs, nil)
	outcomes, err := h.ctrl.Receive(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, outcomes, len(msgs))

	return outcomes
}

func kinds(outcomes []ReceiveOutcome) []OutcomeKind {
	out := make([]OutcomeKind, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Kind)
	}
	return out
}

func awaitResult(t *testing.T, req *Request) (Response, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := req.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("request %s did not settle", req.ID())
	}
	return resp, err
}
