// Package emailrpc implements request/response calls carried over email.
//
// A request is mailed to the filterctl service with its correlation id in a
// custom header. Replies arrive independently through Receive, possibly
// duplicated, out of order, or before the request is registered. The
// Controller matches them to pending requests, discards redeliveries and
// replies for completed requests, and expires replies that never find a
// request. A periodic reconciliation tick settles whatever the receive path
// could not match directly.
package emailrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/nhle/mailrpc/internal/asyncmap"
	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
)

// Controller owns the request and reply ledgers of one process.
type Controller struct {
	cfg Config

	// pendingRequests holds registered requests awaiting a reply, keyed
	// by correlation id. Popping a request from it is what grants the
	// right to settle it.
	pendingRequests *asyncmap.Map[string, *Request]

	// pendingResponses holds replies that arrived with no pending
	// request, keyed by correlation id.
	pendingResponses *asyncmap.Map[string, Response]

	// processedMessages maps transport message ids to the correlation id
	// they carried.
	processedMessages *asyncmap.Map[string, string]

	// resolvedRequests records correlation ids that completed a request.
	resolvedRequests *asyncmap.Map[string, bool]

	// autoDelete tracks folders holding filterctl traffic to remove.
	autoDelete *asyncmap.Map[model.FolderKey, cleanup]

	// tickMu serializes reconciliation passes.
	tickMu    sync.Mutex
	lastPrune time.Time

	activity *activity

	// lifeMu guards started/stopped against goroutines being spawned
	// during shutdown.
	lifeMu  sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Controller. It does nothing until Start.
func New(cfg Config) (*Controller, error) {
	if cfg.Accounts == nil {
		return nil, errors.New("emailrpc: Accounts is required")
	}
	if cfg.Background == nil {
		return nil, errors.New("emailrpc: Background transport is required")
	}
	cfg.applyDefaults()

	clock := asyncmap.WithClock(cfg.Clock)

	return &Controller{
		cfg:               cfg,
		pendingRequests:   asyncmap.New[string, *Request](clock),
		pendingResponses:  asyncmap.New[string, Response](clock),
		processedMessages: asyncmap.New[string, string](clock),
		resolvedRequests:  asyncmap.New[string, bool](clock),
		autoDelete:        asyncmap.New[model.FolderKey, cleanup](clock),
		activity:          newActivity(),
	}, nil
}

// Start reloads the persisted ledgers and begins the periodic tick. The
// controller runs until Stop; ctx only bounds the reload.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.started {
		return errors.New("emailrpc: already started")
	}

	if err := c.loadLedgers(ctx); err != nil {
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.started = true

	c.wg.Add(1)
	go c.tickLoop()

	log.InfoS(ctx, "Email transport controller started",
		"tick_interval", c.cfg.TickInterval,
		"request_timeout", c.cfg.RequestTimeout,
		"response_expiry", c.cfg.ResponseExpiry,
		"processed_messages", c.processedMessages.Size(),
		"resolved_requests", c.resolvedRequests.Size())

	return nil
}

func (c *Controller) loadLedgers(ctx context.Context) error {
	if c.cfg.Ledger == nil {
		return nil
	}

	cutoff := c.cfg.Clock().Add(-c.cfg.LedgerRetention)

	processed, err := c.cfg.Ledger.ProcessedMessages(ctx)
	if err != nil {
		return fmt.Errorf("loading processed messages: %w", err)
	}
	for _, p := range processed {
		if p.ProcessedAt.Before(cutoff) {
			continue
		}
		c.processedMessages.Restore(p.MessageID, p.RequestID, p.ProcessedAt)
	}

	resolved, err := c.cfg.Ledger.ResolvedRequests(ctx)
	if err != nil {
		return fmt.Errorf("loading resolved requests: %w", err)
	}
	for _, r := range resolved {
		if r.ResolvedAt.Before(cutoff) {
			continue
		}
		c.resolvedRequests.Restore(r.RequestID, true, r.ResolvedAt)
	}

	return nil
}

// Stop ends the tick, waits for in-flight dispatches and cleanups, and
// rejects every request still pending with ErrStopped.
func (c *Controller) Stop() error {
	c.lifeMu.Lock()
	if !c.started || c.stopped {
		c.lifeMu.Unlock()
		return nil
	}
	c.stopped = true
	c.lifeMu.Unlock()

	c.cancel()
	c.wg.Wait()

	for _, e := range c.pendingRequests.Scan(matchAll[*Request]) {
		c.reject(e.Value, "stop", ErrStopped)
	}

	c.activity.set(false)
	log.Infof("Email transport controller stopped")

	return nil
}

func matchAll[V any](string, V) bool {
	return true
}

// spawn runs f on a tracked goroutine unless the controller is stopping.
func (c *Controller) spawn(f func(ctx context.Context)) bool {
	c.lifeMu.RLock()
	defer c.lifeMu.RUnlock()

	if !c.started || c.stopped {
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f(c.ctx)
	}()

	return true
}

func (c *Controller) tickLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Reconcile(c.ctx)

		case <-c.ctx.Done():
			return
		}
	}
}

// SendCommand joins command and argument into one command line and sends
// it with SendRequest.
func (c *Controller) SendCommand(ctx context.Context, accountID, command,
	argument string, body any, opts ...RequestOption) (Response, error) {

	line := fmt.Sprintf("%s %s", command, argument)
	return c.SendRequest(ctx, accountID, trimCommand(line), body, opts...)
}

// SendEmailRequest sends one request by email and waits for its reply.
func (c *Controller) SendEmailRequest(ctx context.Context, accountID,
	command string, body any, opts ...RequestOption) (Response, error) {

	req, err := c.Submit(ctx, accountID, command, body, opts...)
	if err != nil {
		return nil, err
	}
	return req.Await(ctx)
}

// Submit registers a request and starts its dispatch without waiting for
// the reply.
func (c *Controller) Submit(ctx context.Context, accountID, command string,
	body any, opts ...RequestOption) (*Request, error) {

	c.lifeMu.RLock()
	started, stopped := c.started, c.stopped
	c.lifeMu.RUnlock()
	switch {
	case stopped:
		return nil, ErrStopped
	case !started:
		return nil, ErrNotStarted
	}

	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		id = c.cfg.NewID()
	}

	acct, err := c.cfg.Accounts.Get(ctx, accountID)
	if err != nil {
		return nil, &RequestError{
			RequestID: id, Command: command, Op: "register", Err: err,
		}
	}

	req := newRequest(c, id, acct.ID, command, body, c.timeoutFor(ctx, o))

	if c.resolvedRequests.Has(id) {
		return nil, &RequestError{
			RequestID: id, Command: command, Op: "register",
			Err: ErrAlreadyResolved,
		}
	}
	if !c.pendingRequests.Add(id, req) {
		return nil, &RequestError{
			RequestID: id, Command: command, Op: "register",
			Err: ErrDuplicateRequest,
		}
	}
	c.activity.set(true)

	log.DebugS(ctx, "Request registered", "request_id", id,
		"account", acct.ID, "command", command, "timeout", req.timeout)

	req.armTimer(req.timeout, func() {
		c.fail(id, "await", ErrTimeout)
	})

	ok := c.spawn(func(ctx context.Context) {
		c.dispatch(ctx, req, acct)
	})
	if !ok {
		c.fail(id, "dispatch", ErrStopped)
	}

	return req, nil
}

// timeoutFor picks the caller's timeout, then the configured override,
// then the default.
func (c *Controller) timeoutFor(ctx context.Context,
	o requestOptions) time.Duration {

	if o.timeout.IsSome() {
		return o.timeout.UnwrapOr(0)
	}
	if c.cfg.Settings != nil {
		return c.cfg.Settings.ResponseTimeout(ctx).
			UnwrapOr(c.cfg.RequestTimeout)
	}
	return c.cfg.RequestTimeout
}

func (c *Controller) transport(ctx context.Context) Transport {
	if c.cfg.Compose == nil || c.cfg.Settings == nil ||
		c.cfg.Settings.BackgroundSend(ctx) {

		return c.cfg.Background
	}
	return c.cfg.Compose
}

// dispatch composes and submits the request email. A failure rejects the
// request; success marks the sent folder for cleanup and reconciles at once
// so a reply that is already waiting resolves without delay.
func (c *Controller) dispatch(ctx context.Context, req *Request,
	acct model.Account) {

	ident, err := acct.PrimaryIdentity()
	if err != nil {
		c.fail(req.id, "dispatch", err)
		return
	}

	out, err := mailbox.NewRequest(ident, req.id, req.command, req.body,
		c.cfg.Clock())
	if err != nil {
		c.fail(req.id, "dispatch", err)
		return
	}

	receipt, err := c.transport(ctx).Send(ctx, acct, out)
	if err != nil {
		log.ErrorS(ctx, "Request dispatch failed", err,
			"request_id", req.id, "account", acct.ID)
		c.fail(req.id, "dispatch", err)
		return
	}

	log.DebugS(ctx, "Request sent", "request_id", req.id,
		"message_id", receipt.MessageID, "copy_folder", receipt.CopyFolder)

	if c.cfg.OnSent != nil {
		c.cfg.OnSent(acct.ID)
	}
	c.markDirty(ctx, model.FolderKey{
		AccountID: acct.ID, Role: model.FolderSent,
	})
	c.Reconcile(ctx)
}

// fail rejects the request with id if it can still be claimed.
func (c *Controller) fail(id, op string, err error) {
	req, ok := c.pendingRequests.Pop(id)
	if !ok {
		return
	}
	c.reject(req, op, err)
}

// resolve completes a request the caller has claimed.
func (c *Controller) resolve(ctx context.Context, req *Request,
	resp Response) {

	now := c.cfg.Clock()
	c.resolvedRequests.Set(req.id, true)
	if c.cfg.Ledger != nil {
		err := c.cfg.Ledger.RecordResolved(ctx, model.ResolvedRequest{
			RequestID: req.id, ResolvedAt: now,
		})
		if err != nil {
			log.WarnS(ctx, "Persisting resolved request", err,
				"request_id", req.id)
		}
	}

	req.stopTimer()
	c.pendingResponses.Pop(req.id)

	log.DebugS(ctx, "Request resolved", "request_id", req.id,
		"command", req.command, "elapsed", now.Sub(req.createdAt))

	req.settle(fn.Ok(resp))
}

// reject fails a request the caller has claimed.
func (c *Controller) reject(req *Request, op string, err error) {
	req.stopTimer()
	c.pendingResponses.Pop(req.id)

	if errors.Is(err, ErrTimeout) {
		log.Warnf("Request %s (%s) timed out after %v", req.id,
			req.command, req.timeout)
	} else {
		log.Debugf("Request %s (%s) rejected in %s: %v", req.id,
			req.command, op, err)
	}

	req.settle(fn.Err[Response](&RequestError{
		RequestID: req.id,
		Command:   req.command,
		Op:        op,
		Err:       err,
	}))
}

// Active reports whether any request, reply or cleanup is outstanding.
func (c *Controller) Active() bool {
	return c.activity.busy()
}

// WaitIdle blocks until the controller has no outstanding work, as observed
// by the reconciliation tick.
func (c *Controller) WaitIdle(ctx context.Context) error {
	return c.activity.wait(ctx)
}
