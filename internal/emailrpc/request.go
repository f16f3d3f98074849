package emailrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	id      string
	timeout fn.Option[time.Duration]
}

// WithRequestID uses id as the correlation id instead of generating one.
func WithRequestID(id string) RequestOption {
	return func(o *requestOptions) {
		o.id = id
	}
}

// WithTimeout overrides the request timeout. Zero disables it.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = fn.Some(d)
	}
}

// WithoutTimeout makes the request wait for its reply indefinitely.
func WithoutTimeout() RequestOption {
	return WithTimeout(0)
}

// Request is one logical call awaiting its reply. It is settled exactly
// once, by whichever path first claims it from the pending-requests map.
type Request struct {
	id        string
	accountID string
	command   string
	body      any
	timeout   time.Duration
	createdAt time.Time

	mu      sync.Mutex
	timer   *time.Timer
	settled bool

	done   chan struct{}
	result fn.Result[Response]

	ctrl *Controller
}

func newRequest(ctrl *Controller, id, accountID, command string, body any,
	timeout time.Duration) *Request {

	return &Request{
		id:        id,
		accountID: accountID,
		command:   command,
		body:      body,
		timeout:   timeout,
		createdAt: ctrl.cfg.Clock(),
		done:      make(chan struct{}),
		ctrl:      ctrl,
	}
}

// ID returns the correlation id.
func (r *Request) ID() string {
	return r.id
}

// AccountID returns the id of the account the request was sent from.
func (r *Request) AccountID() string {
	return r.accountID
}

// Command returns the command line.
func (r *Request) Command() string {
	return r.command
}

// Timeout returns the armed timeout, zero when none.
func (r *Request) Timeout() time.Duration {
	return r.timeout
}

// Done is closed once the request has settled.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Await blocks until the request settles. If ctx ends first and the request
// can still be claimed, it is rejected with the context's error.
func (r *Request) Await(ctx context.Context) (Response, error) {
	select {
	case <-r.done:
		return r.result.Unpack()

	case <-ctx.Done():
		r.ctrl.fail(r.id, "await", ctx.Err())

		// Either the rejection above settled the request or another
		// claimant is about to.
		<-r.done
		return r.result.Unpack()
	}
}

// armTimer schedules f after d unless the request has already settled.
func (r *Request) armTimer(d time.Duration, f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled || d <= 0 {
		return
	}
	r.timer = time.AfterFunc(d, f)
}

func (r *Request) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// settle records the result and releases waiters. Settling twice means two
// paths both believed they owned the request.
func (r *Request) settle(res fn.Result[Response]) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		panic(fmt.Sprintf("emailrpc: request %s settled twice", r.id))
	}
	r.settled = true
	r.result = res
	r.mu.Unlock()

	close(r.done)
}
