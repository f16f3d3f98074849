package mailbox

import "context"

// Page is one batch of newly arrived messages in a folder. Further batches
// are fetched on demand with Continue.
type Page struct {
	// AccountID is the account the folder belongs to.
	AccountID string

	// Folder is the mailbox name the messages were read from.
	Folder string

	Messages []Inbound

	next func(ctx context.Context) (*Page, error)
}

// NewPage returns a page whose continuation is produced by next. A nil next
// marks the final page.
func NewPage(accountID, folder string, msgs []Inbound,
	next func(ctx context.Context) (*Page, error)) *Page {

	return &Page{
		AccountID: accountID,
		Folder:    folder,
		Messages:  msgs,
		next:      next,
	}
}

// HasMore reports whether Continue may return another page.
func (p *Page) HasMore() bool {
	return p.next != nil
}

// Continue fetches the following page. It returns nil, nil after the last
// page.
func (p *Page) Continue(ctx context.Context) (*Page, error) {
	if p.next == nil {
		return nil, nil
	}
	return p.next(ctx)
}

// PagesOf splits msgs into pages of at most size messages.
func PagesOf(accountID, folder string, msgs []Inbound, size int) *Page {
	if size <= 0 || len(msgs) <= size {
		return NewPage(accountID, folder, msgs, nil)
	}

	rest := msgs[size:]
	return NewPage(accountID, folder, msgs[:size],
		func(context.Context) (*Page, error) {
			return PagesOf(accountID, folder, rest, size), nil
		},
	)
}
