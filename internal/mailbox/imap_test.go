package mailbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailrpc/internal/model"
)

// startIMAPServer runs an in-memory IMAP server holding an INBOX and a Sent
// folder for me@example.org.
func startIMAPServer(t *testing.T) model.ServerConfig {
	t.Helper()

	user := imapmemserver.NewUser("me@example.org", "secret")
	require.NoError(t, user.Create(Inbox, nil))
	require.NoError(t, user.Create("Sent", &imap.CreateOptions{
		SpecialUse: []imap.MailboxAttr{imap.MailboxAttrSent},
	}))

	mem := imapmemserver.New()
	mem.AddUser(user)

	s := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session,
			*imapserver.GreetingData, error) {

			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return model.ServerConfig{Host: host, Port: p, Security: model.SecurityNone}
}

func newTestIMAPClient(t *testing.T) *IMAPClient {
	t.Helper()

	acct := testAccount(model.ServerConfig{})
	acct.IMAP = startIMAPServer(t)

	return NewIMAPClient(acct, staticSecrets{"acct": "secret"})
}

func appendReply(t *testing.T, c *IMAPClient, requestID string) {
	t.Helper()

	raw := "From: filterctl <filterctl@example.org>\r\n" +
		"To: me@example.org\r\n" +
		"Subject: filterctl response\r\n" +
		"Message-Id: <" + requestID + "-reply@example.org>\r\n" +
		"X-Filterctl-Request-Id: <" + requestID + ">\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		fmt.Sprintf(`{"request": %q}`, requestID)

	_, err := c.Append(context.Background(), model.FolderInbox,
		[]byte(raw), time.Now())
	require.NoError(t, err)
}

func replyIDs(t *testing.T, c *IMAPClient) []string {
	t.Helper()

	msgs, _, err := c.FetchReplies(context.Background(), Inbox, Cursor{}, 0)
	require.NoError(t, err)

	var ids []string
	for _, m := range msgs {
		id, _ := m.RequestID()
		ids = append(ids, id)
	}
	return ids
}

func TestFetchRepliesFromCursor(t *testing.T) {
	c := newTestIMAPClient(t)
	ctx := context.Background()

	start, err := c.Cursor(ctx, Inbox)
	require.NoError(t, err)

	appendReply(t, c, "a")
	appendReply(t, c, "b")
	appendReply(t, c, "c")

	msgs, next, err := c.FetchReplies(ctx, Inbox, start, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a-reply@example.org", msgs[0].MessageID)

	msgs, _, err = c.FetchReplies(ctx, Inbox, next, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id, ok := msgs[0].RequestID()
	require.True(t, ok)
	require.Equal(t, "c", id)
}

func TestDeleteArtifactsKeepsUnreceivedReplies(t *testing.T) {
	c := newTestIMAPClient(t)
	ctx := context.Background()

	appendReply(t, c, "a")
	msgs, _, err := c.FetchReplies(ctx, Inbox, Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// b lands after the fetch and has not been received yet.
	appendReply(t, c, "b")

	n, err := c.DeleteArtifacts(ctx, model.FolderInbox,
		[]uint32{msgs[0].UID})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"b"}, replyIDs(t, c))
}

func TestDeleteArtifactsInboxWithoutUIDs(t *testing.T) {
	c := newTestIMAPClient(t)

	appendReply(t, c, "a")

	n, err := c.DeleteArtifacts(context.Background(), model.FolderInbox, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, []string{"a"}, replyIDs(t, c))
}

func TestDeleteArtifactsSentFolder(t *testing.T) {
	c := newTestIMAPClient(t)
	ctx := context.Background()

	out, err := NewRequest(testIdentity, "req-1", "usage", nil, time.Now())
	require.NoError(t, err)
	raw, err := out.Encode()
	require.NoError(t, err)
	_, err = c.Append(ctx, model.FolderSent, raw, time.Now())
	require.NoError(t, err)

	other := "From: me@example.org\r\n" +
		"To: friend@example.net\r\n" +
		"Subject: lunch?\r\n" +
		"\r\n" +
		"noon?"
	_, err = c.Append(ctx, model.FolderSent, []byte(other), time.Now())
	require.NoError(t, err)

	n, err := c.DeleteArtifacts(ctx, model.FolderSent, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = c.DeleteArtifacts(ctx, model.FolderSent, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}
