package emailrpc

import (
	"context"
	"sync"
	"time"
)

// pruneInterval bounds how often the persisted ledgers are pruned.
const pruneInterval = time.Minute

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	// Active is set when requests, replies or cleanups were outstanding
	// at the start of the pass.
	Active bool

	// Matched counts requests resolved from queued replies.
	Matched int

	// Purged counts queued replies dropped because their request had
	// already resolved.
	Purged int

	// Expired counts queued replies that never found a request.
	Expired int

	CleanupsStarted int
	CleanupsDropped int

	// LedgerPruned counts persisted ledger rows removed.
	LedgerPruned int64
}

// Reconcile runs one reconciliation pass. It is invoked by the periodic
// tick and eagerly after every dispatch and receive. Passes never overlap.
//
// A pass never rejects a pending request; requests without a reply are
// settled by their own timeout.
func (c *Controller) Reconcile(ctx context.Context) ReconcileReport {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var report ReconcileReport

	report.Active = c.pendingRequests.Size() > 0 ||
		c.pendingResponses.Size() > 0 || c.autoDelete.Size() > 0
	c.activity.set(report.Active)

	// Match pending requests with replies that arrived before them.
	for _, id := range c.pendingRequests.Keys() {
		resp, ok := c.pendingResponses.Pop(id)
		if !ok {
			continue
		}
		req, ok := c.pendingRequests.Pop(id)
		if !ok {
			// Settled elsewhere since Keys; the reply has nowhere to
			// go.
			continue
		}
		c.resolve(ctx, req, resp)
		report.Matched++
	}

	// The receive path may resolve a request directly while an older
	// copy of its reply sits in the queue.
	purged := c.pendingResponses.Scan(func(id string, _ Response) bool {
		return c.resolvedRequests.Has(id)
	})
	report.Purged = len(purged)

	for _, e := range c.pendingResponses.Expire(c.cfg.ResponseExpiry) {
		log.ErrorS(ctx, "Reply expired without a matching request", nil,
			"request_id", e.Key, "age",
			c.cfg.Clock().Sub(e.InsertedAt))
		report.Expired++
	}

	report.CleanupsStarted, report.CleanupsDropped = c.runAutoDelete(ctx)

	report.LedgerPruned = c.pruneLedgers(ctx)

	if report.Matched+report.Purged+report.Expired > 0 {
		log.DebugS(ctx, "Reconciled replies", "matched", report.Matched,
			"purged", report.Purged, "expired", report.Expired)
	}

	return report
}

// pruneLedgers ages out processed-message and resolved-request entries in
// memory and, at most once per pruneInterval, in the persisted ledger.
func (c *Controller) pruneLedgers(ctx context.Context) int64 {
	c.processedMessages.Expire(c.cfg.LedgerRetention)
	c.resolvedRequests.Expire(c.cfg.LedgerRetention)

	now := c.cfg.Clock()
	if c.cfg.Ledger == nil || now.Sub(c.lastPrune) < pruneInterval {
		return 0
	}
	c.lastPrune = now

	n, err := c.cfg.Ledger.PruneLedgers(ctx, now.Add(-c.cfg.LedgerRetention))
	if err != nil {
		log.WarnS(ctx, "Pruning persisted ledgers", err)
		return 0
	}

	return n
}

// activity tracks whether the controller has outstanding work so that a
// host can hold off suspending the process.
type activity struct {
	mu     sync.Mutex
	active bool
	idle   chan struct{}
}

func newActivity() *activity {
	idle := make(chan struct{})
	close(idle)
	return &activity{idle: idle}
}

func (a *activity) set(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case active && !a.active:
		a.idle = make(chan struct{})
	case !active && a.active:
		close(a.idle)
	}
	a.active = active
}

func (a *activity) busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.active
}

func (a *activity) wait(ctx context.Context) error {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
