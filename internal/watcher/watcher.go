// Package watcher polls each account's inbox for filterctl replies and hands
// them to the reply handler in pages.
package watcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailrpc/internal/emailrpc"
	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
)

// State is the polling state of one account.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status holds the polling state for a single account.
type Status struct {
	AccountID string
	State     State
	LastPoll  time.Time
	Error     error

	// AuthFailed is set when the last error was a rejected login.
	AuthFailed bool

	// Delivered counts replies handed to the receiver.
	Delivered int
}

// fetchTimeout is the maximum time allowed for a single poll.
const fetchTimeout = 30 * time.Second

// Fetcher reads new replies from one account's mail server.
type Fetcher interface {
	Cursor(ctx context.Context, folder string) (mailbox.Cursor, error)
	FetchReplies(ctx context.Context, folder string, after mailbox.Cursor,
		limit int) ([]mailbox.Inbound, mailbox.Cursor, error)
}

// Receiver consumes pages of new mail. *emailrpc.Controller satisfies it.
type Receiver interface {
	Receive(ctx context.Context,
		page *mailbox.Page) ([]emailrpc.ReceiveOutcome, error)
}

// Config configures a Watcher.
type Config struct {
	Accounts []model.Account

	// Open returns the Fetcher for an account.
	Open func(model.Account) Fetcher

	Receiver Receiver

	PollInterval time.Duration
	PageSize     int
}

// Watcher orchestrates background polling of every enabled account.
type Watcher struct {
	cfg      Config
	accounts []model.Account
	triggers map[string]chan struct{}

	mu       sync.Mutex
	statuses map[string]*Status
}

// New creates a Watcher over the enabled accounts in cfg.
func New(cfg Config) (*Watcher, error) {
	if cfg.Open == nil || cfg.Receiver == nil {
		return nil, errors.New("watcher: Open and Receiver are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}

	w := &Watcher{
		cfg:      cfg,
		triggers: make(map[string]chan struct{}),
		statuses: make(map[string]*Status),
	}
	for _, a := range cfg.Accounts {
		if !a.Enabled {
			continue
		}
		w.accounts = append(w.accounts, a)
		w.triggers[a.ID] = make(chan struct{}, 1)
		w.statuses[a.ID] = &Status{AccountID: a.ID}
	}

	return w, nil
}

// Run polls every account until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, acct := range w.accounts {
		g.Go(func() error {
			w.pollAccount(ctx, acct)
			return nil
		})
	}

	log.InfoS(ctx, "Watching inboxes", "accounts", len(w.accounts),
		"interval", w.cfg.PollInterval)

	return g.Wait()
}

// Refresh triggers an immediate poll of one account.
func (w *Watcher) Refresh(accountID string) {
	ch, ok := w.triggers[accountID]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
		// A poll is already queued.
	}
}

// Statuses returns the polling status of every account, ordered by id.
func (w *Watcher) Statuses() []Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Status, 0, len(w.statuses))
	for _, s := range w.statuses {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.AccountID < b.AccountID:
			return -1
		case a.AccountID > b.AccountID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// pollAccount runs the polling loop for a single account.
func (w *Watcher) pollAccount(ctx context.Context, acct model.Account) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	f := w.cfg.Open(acct)
	var cursor *mailbox.Cursor

	poll := func() {
		// Replies already in the inbox at startup predate every request
		// of this process, so polling starts from the current end.
		if cursor == nil {
			c, err := w.startCursor(ctx, acct.ID, f)
			if err != nil {
				return
			}
			cursor = &c
		}
		w.poll(ctx, acct.ID, f, cursor)
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		case <-w.triggers[acct.ID]:
			poll()
		}
	}
}

func (w *Watcher) startCursor(ctx context.Context, accountID string,
	f Fetcher) (mailbox.Cursor, error) {

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	c, err := f.Cursor(ctx, mailbox.Inbox)
	if err != nil {
		w.fail(ctx, accountID, err)
		return mailbox.Cursor{}, err
	}
	return c, nil
}

// poll fetches replies after cursor and hands them to the receiver. The
// cursor advances as each page is fetched.
func (w *Watcher) poll(ctx context.Context, accountID string, f Fetcher,
	cursor *mailbox.Cursor) {

	w.setStatus(accountID, StateRunning, nil, 0)

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	msgs, next, err := f.FetchReplies(ctx, mailbox.Inbox, *cursor,
		w.cfg.PageSize)
	if err != nil {
		w.fail(ctx, accountID, err)
		return
	}
	*cursor = next
	if len(msgs) == 0 {
		w.setStatus(accountID, StateIdle, nil, 0)
		return
	}

	page := w.page(accountID, f, cursor, msgs)
	outcomes, err := w.cfg.Receiver.Receive(ctx, page)
	if err != nil {
		w.fail(ctx, accountID, err)
		return
	}

	log.DebugS(ctx, "Delivered replies", "account", accountID,
		"messages", len(outcomes))
	w.setStatus(accountID, StateIdle, nil, len(outcomes))
}

// page wraps msgs in a Page whose continuation fetches the next batch when
// the current one was full.
func (w *Watcher) page(accountID string, f Fetcher, cursor *mailbox.Cursor,
	msgs []mailbox.Inbound) *mailbox.Page {

	if w.cfg.PageSize <= 0 || len(msgs) < w.cfg.PageSize {
		return mailbox.NewPage(accountID, mailbox.Inbox, msgs, nil)
	}

	more := func(ctx context.Context) (*mailbox.Page, error) {
		msgs, next, err := f.FetchReplies(ctx, mailbox.Inbox, *cursor,
			w.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		*cursor = next
		if len(msgs) == 0 {
			return nil, nil
		}
		return w.page(accountID, f, cursor, msgs), nil
	}

	return mailbox.NewPage(accountID, mailbox.Inbox, msgs, more)
}

func (w *Watcher) fail(ctx context.Context, accountID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if mailbox.IsAuthError(err) {
		log.ErrorS(ctx, "Mail server rejected login", err,
			"account", accountID)
	} else {
		log.WarnS(ctx, "Polling inbox failed", err, "account", accountID)
	}
	w.setStatus(accountID, StateError, err, 0)
}

// setStatus updates the polling status for an account.
func (w *Watcher) setStatus(accountID string, state State, err error,
	delivered int) {

	w.mu.Lock()
	defer w.mu.Unlock()

	status, ok := w.statuses[accountID]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	status.AuthFailed = err != nil && mailbox.IsAuthError(err)
	status.Delivered += delivered
	if state == StateIdle {
		status.LastPoll = time.Now()
	}
}
