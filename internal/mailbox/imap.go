package mailbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailrpc/internal/model"
)

// Inbox is the IMAP name of every account's inbox.
const Inbox = "INBOX"

// ErrFolderNotFound is returned when no mailbox has the requested role.
var ErrFolderNotFound = errors.New("folder not found")

// AuthError indicates that a mail server rejected the account's
// credentials.
type AuthError struct {
	AccountID string
	Server    string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s on %s): %v", e.AccountID, e.Server,
		e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// SecretSource yields the mail password for an account.
type SecretSource interface {
	Password(accountID string) (string, error)
}

// Cursor identifies a position in a folder: messages with UIDs at or above
// Next are new.
type Cursor struct {
	Validity uint32
	Next     uint32
}

// IMAPClient talks to one account's IMAP server. Every operation opens its
// own session and logs out when done.
type IMAPClient struct {
	acct    model.Account
	secrets SecretSource
}

// NewIMAPClient creates a client for acct.
func NewIMAPClient(acct model.Account, secrets SecretSource) *IMAPClient {
	return &IMAPClient{acct: acct, secrets: secrets}
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The caller is responsible for
// calling Logout/Close on the returned client.
func (c *IMAPClient) Connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	password, err := c.secrets.Password(c.acct.ID)
	if err != nil {
		return nil, fmt.Errorf("imap password for %s: %w", c.acct.ID, err)
	}

	addr := c.acct.IMAP.Addr()

	var client *imapclient.Client
	switch c.acct.IMAP.Security {
	case model.SecurityStartTLS:
		client, err = imapclient.DialStartTLS(addr, nil)
	case model.SecurityNone:
		client, err = imapclient.DialInsecure(addr, nil)
	default:
		client, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.acct.Username, password).Wait(); err != nil {
		_ = client.Close()
		return nil, &AuthError{AccountID: c.acct.ID, Server: addr, Err: err}
	}

	return client, nil
}

func logout(client *imapclient.Client) {
	if err := client.Logout().Wait(); err != nil {
		_ = client.Close()
	}
}

// Cursor returns the current UIDVALIDITY and UIDNEXT of folder.
func (c *IMAPClient) Cursor(ctx context.Context, folder string) (Cursor, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return Cursor{}, err
	}
	defer logout(client)

	sel, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return Cursor{}, fmt.Errorf("selecting %s: %w", folder, err)
	}

	return Cursor{Validity: sel.UIDValidity, Next: uint32(sel.UIDNext)}, nil
}

// FetchReplies returns the filterctl replies in folder whose UID is at or
// above after.Next, oldest first, together with the cursor to resume from.
// When the folder's UIDVALIDITY changed, after is ignored and the scan
// restarts from the lowest UID.
//
// Matching UIDs are found with a server-side subject search, then fetched
// in full with BODY.PEEK so the \Seen flag is left alone.
func (c *IMAPClient) FetchReplies(ctx context.Context, folder string,
	after Cursor, limit int) ([]Inbound, Cursor, error) {

	client, err := c.Connect(ctx)
	if err != nil {
		return nil, after, err
	}
	defer logout(client)

	sel, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, after, fmt.Errorf("selecting %s: %w", folder, err)
	}

	next := Cursor{Validity: sel.UIDValidity, Next: uint32(sel.UIDNext)}
	start := after.Next
	if after.Validity != sel.UIDValidity || start == 0 {
		start = 1
	}
	if start >= next.Next {
		return nil, next, nil
	}

	var since imap.UIDSet
	since.AddRange(imap.UID(start), 0)

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{since},
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: ResponseSubject},
		},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, after, fmt.Errorf("searching %s: %w", folder, err)
	}

	uids := slices.DeleteFunc(searchData.AllUIDs(), func(u imap.UID) bool {
		// "n:*" always matches the highest UID, even below n.
		return uint32(u) < start
	})
	if len(uids) == 0 {
		return nil, next, nil
	}
	slices.Sort(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
		next.Next = uint32(uids[len(uids)-1]) + 1
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var msgs []Inbound
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}

		buf, err := data.Collect()
		if err != nil {
			log.WarnS(ctx, "Collecting fetched message", err,
				"account", c.acct.ID, "folder", folder)
			continue
		}

		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			continue
		}
		msg, err := Parse(raw)
		if err != nil {
			log.WarnS(ctx, "Parsing fetched message", err,
				"account", c.acct.ID, "uid", buf.UID)
			continue
		}
		msg.UID = uint32(buf.UID)
		msg.Read = slices.Contains(buf.Flags, imap.FlagSeen)
		msgs = append(msgs, msg)
	}

	if err := fetchCmd.Close(); err != nil {
		return msgs, after, fmt.Errorf("fetching %s: %w", folder, err)
	}

	slices.SortFunc(msgs, func(a, b Inbound) int {
		return int(a.UID) - int(b.UID)
	})

	return msgs, next, nil
}

// findFolder returns the mailbox name holding role. The inbox is always
// INBOX; other roles are found by their special-use attribute, falling back
// to common names.
func findFolder(client *imapclient.Client, role model.FolderRole) (string, error) {
	if role == model.FolderInbox {
		return Inbox, nil
	}

	attr, names := folderHints(role)

	list, err := client.List("", "*", &imap.ListOptions{
		ReturnSpecialUse: true,
	}).Collect()
	if err != nil {
		return "", fmt.Errorf("listing mailboxes: %w", err)
	}

	for _, mbox := range list {
		if slices.Contains(mbox.Attrs, attr) {
			return mbox.Mailbox, nil
		}
	}
	for _, mbox := range list {
		for _, name := range names {
			if strings.EqualFold(mbox.Mailbox, name) {
				return mbox.Mailbox, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s", ErrFolderNotFound, role)
}

func folderHints(role model.FolderRole) (imap.MailboxAttr, []string) {
	switch role {
	case model.FolderSent:
		return imap.MailboxAttrSent, []string{
			"Sent", "Sent Items", "Sent Messages", "INBOX.Sent",
			"[Gmail]/Sent Mail",
		}
	default:
		return "", nil
	}
}

// Append files raw into the folder holding role, marked as read.
func (c *IMAPClient) Append(ctx context.Context, role model.FolderRole,
	raw []byte, date time.Time) (string, error) {

	client, err := c.Connect(ctx)
	if err != nil {
		return "", err
	}
	defer logout(client)

	folder, err := findFolder(client, role)
	if err != nil {
		return "", err
	}

	cmd := client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  date,
	})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return "", fmt.Errorf("writing to %s: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return "", fmt.Errorf("appending to %s: %w", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("appending to %s: %w", folder, err)
	}

	return folder, nil
}

// DeleteArtifacts permanently removes filterctl traffic from the folder
// holding role and returns how many messages were removed.
//
// In the inbox only the replies whose UIDs are listed are touched, so a
// reply that arrived after the last fetch survives until it has been
// received. Without UIDs the inbox is left alone. In the sent folder every
// request addressed to the control address goes, and uids, when given,
// narrow the search further.
func (c *IMAPClient) DeleteArtifacts(ctx context.Context,
	role model.FolderRole, uids []uint32) (int, error) {

	if role == model.FolderInbox && len(uids) == 0 {
		return 0, nil
	}

	ident, err := c.acct.PrimaryIdentity()
	if err != nil {
		return 0, err
	}
	control, err := ControlAddress(ident)
	if err != nil {
		return 0, err
	}

	client, err := c.Connect(ctx)
	if err != nil {
		return 0, err
	}
	defer logout(client)

	folder, err := findFolder(client, role)
	if err != nil {
		return 0, err
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return 0, fmt.Errorf("selecting %s: %w", folder, err)
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: RequestIDHeader, Value: ""},
		},
	}
	if role == model.FolderInbox {
		criteria.Header = append(criteria.Header,
			imap.SearchCriteriaHeaderField{
				Key: "Subject", Value: ResponseSubject,
			})
	} else {
		criteria.Header = append(criteria.Header,
			imap.SearchCriteriaHeaderField{Key: "To", Value: control})
	}

	if len(uids) > 0 {
		set := make([]imap.UID, 0, len(uids))
		for _, u := range uids {
			set = append(set, imap.UID(u))
		}
		criteria.UID = []imap.UIDSet{imap.UIDSetNum(set...)}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching %s: %w", folder, err)
	}
	found := searchData.AllUIDs()
	if len(found) == 0 {
		return 0, nil
	}

	uidSet := imap.UIDSetNum(found...)
	err = client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return 0, fmt.Errorf("flagging %d messages in %s: %w",
			len(found), folder, err)
	}

	if client.Caps().Has(imap.CapUIDPlus) {
		err = client.UIDExpunge(uidSet).Close()
	} else {
		err = client.Expunge().Close()
	}
	if err != nil {
		return 0, fmt.Errorf("expunging %s: %w", folder, err)
	}

	log.DebugS(ctx, "Deleted filterctl messages", "account", c.acct.ID,
		"folder", folder, "count", len(found))

	return len(found), nil
}

// Connector creates IMAP clients for accounts that share a secret source.
type Connector struct {
	secrets SecretSource
}

// NewConnector returns a Connector reading passwords from secrets.
func NewConnector(secrets SecretSource) *Connector {
	return &Connector{secrets: secrets}
}

// Client returns an IMAPClient for acct.
func (c *Connector) Client(acct model.Account) *IMAPClient {
	return NewIMAPClient(acct, c.secrets)
}

// DeleteArtifacts removes filterctl traffic from acct's folder holding role.
func (c *Connector) DeleteArtifacts(ctx context.Context, acct model.Account,
	role model.FolderRole, uids []uint32) (int, error) {

	return c.Client(acct).DeleteArtifacts(ctx, role, uids)
}
