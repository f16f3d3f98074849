package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailrpc/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the controller's restart state
// and the local configuration namespace.
type Store interface {
	// === Ledgers ===

	RecordProcessed(ctx context.Context, m model.ProcessedMessage) error
	RecordResolved(ctx context.Context, r model.ResolvedRequest) error
	ProcessedMessages(ctx context.Context) ([]model.ProcessedMessage, error)
	ResolvedRequests(ctx context.Context) ([]model.ResolvedRequest, error)

	// PruneLedgers removes ledger rows recorded before the cutoff and
	// returns how many were removed.
	PruneLedgers(ctx context.Context, before time.Time) (int64, error)

	// === Config values ===

	GetValue(ctx context.Context, namespace, key string) (string, error)
	GetValues(ctx context.Context, namespace string) (map[string]string, error)
	SetValue(ctx context.Context, namespace, key, value string) error
	DeleteValue(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}
