package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailrpc/internal/account"
	"github.com/nhle/mailrpc/internal/emailrpc"
	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
)

// fakeFetcher serves an in-memory inbox with UIDs starting at 1.
type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []mailbox.Inbound
	cursorErr error
	fetches   int
}

func (f *fakeFetcher) add(msg mailbox.Inbound) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msg.UID = uint32(len(f.msgs) + 1)
	f.msgs = append(f.msgs, msg)
}

func (f *fakeFetcher) Cursor(context.Context, string) (mailbox.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cursorErr != nil {
		return mailbox.Cursor{}, f.cursorErr
	}
	return mailbox.Cursor{Validity: 1, Next: uint32(len(f.msgs) + 1)}, nil
}

func (f *fakeFetcher) FetchReplies(_ context.Context, _ string,
	after mailbox.Cursor, limit int) ([]mailbox.Inbound, mailbox.Cursor,
	error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++

	next := mailbox.Cursor{Validity: 1, Next: uint32(len(f.msgs) + 1)}

	var out []mailbox.Inbound
	for _, m := range f.msgs {
		if m.UID < after.Next {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			next.Next = m.UID + 1
			break
		}
	}
	return out, next, nil
}

// pageRecorder walks every page it is given.
type pageRecorder struct {
	mu    sync.Mutex
	pages [][]uint32
}

func (r *pageRecorder) Receive(ctx context.Context,
	page *mailbox.Page) ([]emailrpc.ReceiveOutcome, error) {

	var outcomes []emailrpc.ReceiveOutcome
	for page != nil {
		uids := make([]uint32, 0, len(page.Messages))
		for _, m := range page.Messages {
			uids = append(uids, m.UID)
			outcomes = append(outcomes, emailrpc.ReceiveOutcome{
				MessageID: m.MessageID,
			})
		}
		r.mu.Lock()
		r.pages = append(r.pages, uids)
		r.mu.Unlock()

		next, err := page.Continue(ctx)
		if err != nil {
			return outcomes, err
		}
		page = next
	}
	return outcomes, nil
}

func (r *pageRecorder) snapshot() [][]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]uint32(nil), r.pages...)
}

func testAccount(id string, enabled bool) model.Account {
	return model.Account{
		ID:         id,
		Identities: []model.Identity{{Email: id + "@example.org"}},
		Enabled:    enabled,
	}
}

func replyMsg(n int) mailbox.Inbound {
	id := fmt.Sprintf("req-%d", n)
	return mailbox.Inbound{
		MessageID: fmt.Sprintf("msg-%d@example.org", n),
		Subject:   mailbox.ResponseSubject,
		Headers: map[string]string{
			"x-filterctl-request-id": "<" + id + ">",
		},
		Body: fmt.Sprintf(`{"request": %q}`, id),
	}
}

func startWatcher(t *testing.T, cfg Config) *Watcher {
	t.Helper()

	w, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return w
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestWatcherDeliversOnlyNewMailInPages(t *testing.T) {
	f := &fakeFetcher{}
	f.add(replyMsg(0)) // Predates the watcher.

	rec := &pageRecorder{}
	w := startWatcher(t, Config{
		Accounts:     []model.Account{testAccount("work", true)},
		Open:         func(model.Account) Fetcher { return f },
		Receiver:     rec,
		PollInterval: time.Hour,
		PageSize:     2,
	})

	require.Eventually(t, func() bool {
		s := w.Statuses()
		return len(s) == 1 && s[0].State == StateIdle &&
			!s[0].LastPoll.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, rec.snapshot())

	for i := 1; i <= 3; i++ {
		f.add(replyMsg(i))
	}
	w.Refresh("work")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, [][]uint32{{2, 3}, {4}}, rec.snapshot())

	require.Eventually(t, func() bool {
		return w.Statuses()[0].Delivered == 3
	}, 5*time.Second, 10*time.Millisecond)

	// Nothing new, nothing delivered.
	w.Refresh("work")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, rec.snapshot(), 2)
}

func TestWatcherSkipsDisabledAccounts(t *testing.T) {
	opened := make(chan string, 4)
	w := startWatcher(t, Config{
		Accounts: []model.Account{
			testAccount("on", true),
			testAccount("off", false),
		},
		Open: func(a model.Account) Fetcher {
			opened <- a.ID
			return &fakeFetcher{}
		},
		Receiver:     &pageRecorder{},
		PollInterval: time.Hour,
	})

	require.Equal(t, "on", <-opened)
	require.Len(t, w.Statuses(), 1)

	// Unknown ids are ignored.
	w.Refresh("off")
}

func TestWatcherReportsAuthErrors(t *testing.T) {
	f := &fakeFetcher{cursorErr: &mailbox.AuthError{
		AccountID: "work",
		Server:    "imap.example.org:993",
		Err:       errors.New("NO [AUTHENTICATIONFAILED]"),
	}}

	w := startWatcher(t, Config{
		Accounts:     []model.Account{testAccount("work", true)},
		Open:         func(model.Account) Fetcher { return f },
		Receiver:     &pageRecorder{},
		PollInterval: time.Hour,
	})

	require.Eventually(t, func() bool {
		s := w.Statuses()[0]
		return s.State == StateError && s.AuthFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Once the credentials work the cursor is taken on the next poll.
	f.mu.Lock()
	f.cursorErr = nil
	f.mu.Unlock()
	w.Refresh("work")

	require.Eventually(t, func() bool {
		s := w.Statuses()[0]
		return s.State == StateIdle && s.Error == nil
	}, 5*time.Second, 10*time.Millisecond)
}

type staticTransport struct {
	sent chan mailbox.Outbound
}

func (s *staticTransport) Send(_ context.Context, _ model.Account,
	out mailbox.Outbound) (*mailbox.SentReceipt, error) {

	s.sent <- out
	return &mailbox.SentReceipt{MessageID: out.MessageID}, nil
}

// The watcher feeds the controller: a reply landing in the inbox resolves
// the request that was mailed.
func TestWatcherResolvesControllerRequests(t *testing.T) {
	acct := testAccount("work", true)
	dir, err := account.NewDirectory([]model.Account{acct})
	require.NoError(t, err)

	transport := &staticTransport{sent: make(chan mailbox.Outbound, 1)}
	ctrl, err := emailrpc.New(emailrpc.Config{
		Accounts:   dir,
		Background: transport,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, ctrl.Stop()) })

	f := &fakeFetcher{}
	w := startWatcher(t, Config{
		Accounts:     []model.Account{acct},
		Open:         func(model.Account) Fetcher { return f },
		Receiver:     ctrl,
		PollInterval: time.Hour,
	})
	require.Eventually(t, func() bool {
		return !w.Statuses()[0].LastPoll.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	req, err := ctrl.Submit(context.Background(), "work", "usage", nil)
	require.NoError(t, err)
	out := <-transport.sent

	f.add(mailbox.Inbound{
		MessageID: "reply@example.org",
		Subject:   mailbox.ResponseSubject,
		Headers: map[string]string{
			"x-filterctl-request-id": "<" + out.RequestID + ">",
		},
		Body: fmt.Sprintf(`{"request": %q, "Result": "ok"}`,
			out.RequestID),
	})
	w.Refresh("work")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := req.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", resp["Result"])
}
