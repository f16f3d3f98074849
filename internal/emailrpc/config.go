package emailrpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
)

// Accounts looks up configured mail accounts.
type Accounts interface {
	Get(ctx context.Context, id string) (model.Account, error)
	List(ctx context.Context) ([]model.Account, error)
}

// Transport submits an encoded request for an account.
type Transport interface {
	Send(ctx context.Context, acct model.Account,
		out mailbox.Outbound) (*mailbox.SentReceipt, error)
}

// Janitor removes filterctl traffic from one of an account's folders. For
// the inbox, uids lists the replies that were received; nothing else may be
// removed.
type Janitor interface {
	DeleteArtifacts(ctx context.Context, acct model.Account,
		role model.FolderRole, uids []uint32) (int, error)
}

// Ledger persists the processed-message and resolved-request ledgers so
// that duplicate detection survives a restart.
type Ledger interface {
	RecordProcessed(ctx context.Context, m model.ProcessedMessage) error
	RecordResolved(ctx context.Context, r model.ResolvedRequest) error
	ProcessedMessages(ctx context.Context) ([]model.ProcessedMessage, error)
	ResolvedRequests(ctx context.Context) ([]model.ResolvedRequest, error)
	PruneLedgers(ctx context.Context, before time.Time) (int64, error)
}

// Settings exposes the runtime flags the controller consults on every
// request. *config.Store satisfies it.
type Settings interface {
	AutoDelete(ctx context.Context) bool
	BackgroundSend(ctx context.Context) bool
	ResponseTimeout(ctx context.Context) fn.Option[time.Duration]
}

// SideChannel performs the HTTPS confirmation of a command that is also
// sent by email. The same request id addresses both.
type SideChannel interface {
	Confirm(ctx context.Context, accountID, requestID, verb string,
		args []string, body any) (map[string]any, error)
}

// Config holds the controller's collaborators and timing. Zero durations
// take the defaults from DefaultConfig.
type Config struct {
	Accounts Accounts

	// Background submits requests directly. Compose submits and files a
	// sent copy; it is used when background sending is switched off and
	// falls back to Background when nil.
	Background Transport
	Compose    Transport

	// Janitor, Ledger, Settings and SideChannel are optional.
	Janitor     Janitor
	Ledger      Ledger
	Settings    Settings
	SideChannel SideChannel

	// SideChannelVerbs lists the command verbs that are confirmed over
	// the side channel as well as by email.
	SideChannelVerbs []string

	// OnSent, when set, is called with the account id after a request
	// reaches the transport, so the inbox can be polled early.
	OnSent func(accountID string)

	// RequestTimeout applies when neither the caller nor Settings supply
	// one.
	RequestTimeout time.Duration

	// ResponseExpiry bounds how long an unmatched reply is kept.
	ResponseExpiry time.Duration

	TickInterval time.Duration

	// AutoDeleteDeadline bounds how long a housekeeping entry may sit
	// without progressing.
	AutoDeleteDeadline time.Duration

	// AutoDeleteAttempts bounds how many failed cleanups a folder gets
	// before its entry is dropped.
	AutoDeleteAttempts int

	// LedgerRetention bounds how long processed-message and
	// resolved-request entries are kept.
	LedgerRetention time.Duration

	// Clock and NewID are overridable for tests.
	Clock func() time.Time
	NewID func() string
}

// DefaultConfig returns a Config with the default timing and no
// collaborators.
func DefaultConfig() Config {
	return Config{
		SideChannelVerbs:   []string{"dump", "mkbook"},
		RequestTimeout:     30 * time.Second,
		ResponseExpiry:     10 * time.Second,
		TickInterval:       1024 * time.Millisecond,
		AutoDeleteDeadline: time.Minute,
		AutoDeleteAttempts: 3,
		LedgerRetention:    24 * time.Hour,
		Clock:              time.Now,
		NewID:              uuid.NewString,
	}
}

// ConfigFromModel maps the file configuration onto a Config.
func ConfigFromModel(c model.ControllerConfig) Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = c.RequestTimeout
	cfg.ResponseExpiry = c.ResponseExpiry
	cfg.TickInterval = c.TickInterval
	cfg.AutoDeleteDeadline = c.AutoDeleteDeadline
	cfg.LedgerRetention = c.LedgerRetention
	return cfg
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ResponseExpiry <= 0 {
		c.ResponseExpiry = def.ResponseExpiry
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.AutoDeleteDeadline <= 0 {
		c.AutoDeleteDeadline = def.AutoDeleteDeadline
	}
	if c.AutoDeleteAttempts <= 0 {
		c.AutoDeleteAttempts = def.AutoDeleteAttempts
	}
	if c.LedgerRetention <= 0 {
		c.LedgerRetention = def.LedgerRetention
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.NewID == nil {
		c.NewID = def.NewID
	}
	if c.SideChannelVerbs == nil {
		c.SideChannelVerbs = def.SideChannelVerbs
	}
}
