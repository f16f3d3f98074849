// Package account exposes the configured mail accounts by id.
package account

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nhle/mailrpc/internal/model"
)

// ErrUnknownAccount is returned when no account has the requested id.
var ErrUnknownAccount = errors.New("unknown account")

// Directory is an immutable lookup over configured accounts.
type Directory struct {
	byID  map[string]model.Account
	order []string
}

// NewDirectory indexes accounts by id, preserving their configured order.
func NewDirectory(accounts []model.Account) (*Directory, error) {
	d := &Directory{byID: make(map[string]model.Account, len(accounts))}
	for _, a := range accounts {
		if _, dup := d.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", a.ID)
		}
		d.byID[a.ID] = a
		d.order = append(d.order, a.ID)
	}
	return d, nil
}

// Get returns the account with the given id.
func (d *Directory) Get(_ context.Context, id string) (model.Account, error) {
	a, ok := d.byID[id]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return a, nil
}

// List returns every account in configured order.
func (d *Directory) List(context.Context) ([]model.Account, error) {
	out := make([]model.Account, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out, nil
}

// Enabled returns the accounts that are watched for replies.
func (d *Directory) Enabled(ctx context.Context) []model.Account {
	all, _ := d.List(ctx)
	return slices.DeleteFunc(all, func(a model.Account) bool {
		return !a.Enabled
	})
}
