package mailbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nhle/mailrpc/internal/model"
)

var testIdentity = model.Identity{Email: "me@example.org", Name: "Test User"}

func TestEncodeBody(t *testing.T) {
	for _, empty := range []any{nil, "", []byte{}} {
		s, err := EncodeBody(empty)
		require.NoError(t, err)
		require.Equal(t, "{}", s)
	}

	s, err := EncodeBody("raw text")
	require.NoError(t, err)
	require.Equal(t, "raw text", s)

	s, err = EncodeBody(map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, "{\n  \"a\": 1\n}", s)
}

func TestNewRequestAddressing(t *testing.T) {
	out, err := NewRequest(testIdentity, "req-1", "usage", nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, "filterctl@example.org", out.To.Address)
	require.Equal(t, "usage", out.Subject)
	require.Equal(t, "{}", out.Body)
	require.Equal(t, []string{"filterctl@example.org"}, out.Recipients())

	_, err = NewRequest(model.Identity{Email: "nodomain"}, "x", "usage",
		nil, time.Now())
	require.ErrorIs(t, err, ErrNoDomain)
}

func TestStripMessageID(t *testing.T) {
	require.Equal(t, "abc@x", StripMessageID(" <abc@x> "))
	require.Equal(t, "abc", StripMessageID("abc"))
	require.Equal(t, "", StripMessageID("<>"))
}

func TestParseReply(t *testing.T) {
	raw := "From: filterctl <filterctl@example.org>\r\n" +
		"To: me@example.org\r\n" +
		"Subject: filterctl response\r\n" +
		"Message-Id: <m1@example.org>\r\n" +
		"X-Filterctl-Request-Id: <req-7>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		`{"request": "req-7", "Success": true}`

	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.True(t, msg.IsResponse())
	require.Equal(t, "m1@example.org", msg.MessageID)
	require.Equal(t, []string{"me@example.org"}, msg.Recipients)
	require.Contains(t, msg.Author, "filterctl@example.org")

	id, ok := msg.RequestID()
	require.True(t, ok)
	require.Equal(t, "req-7", id)

	v, ok := msg.Header("x-filterctl-request-id")
	require.True(t, ok)
	require.Equal(t, "<req-7>", v)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Body), &body))
	require.Equal(t, true, body["Success"])
}

func TestParseMissingRequestID(t *testing.T) {
	raw := "Subject: filterctl response\r\n" +
		"X-Filterctl-Request-Id: <>\r\n" +
		"\r\n{}"

	msg, err := Parse([]byte(raw))
	require.NoError(t, err)
	_, ok := msg.RequestID()
	require.False(t, ok)
}

// TestEncodeParseRoundTrip checks that a composed request decodes back to the
// same correlation id and an equivalent body.
func TestEncodeParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}`).Draw(t, "id")
		command := rapid.StringMatching(`[a-z]{1,10}( [a-z0-9]{1,8})?`).
			Draw(t, "command")
		body := rapid.MapOf(
			rapid.StringMatching(`[A-Za-z]{1,8}`),
			rapid.StringMatching(`[ -~]{0,20}`),
		).Draw(t, "body")

		out, err := NewRequest(testIdentity, id, command, body,
			time.Unix(1_700_000_000, 0))
		if err != nil {
			t.Fatal(err)
		}
		raw, err := out.Encode()
		if err != nil {
			t.Fatal(err)
		}

		in, err := Parse(raw)
		if err != nil {
			t.Fatal(err)
		}

		gotID, ok := in.RequestID()
		if !ok || gotID != id {
			t.Fatalf("request id %q, want %q", gotID, id)
		}
		if in.Subject != command {
			t.Fatalf("subject %q, want %q", in.Subject, command)
		}
		if in.MessageID != out.MessageID {
			t.Fatalf("message id %q, want %q", in.MessageID,
				out.MessageID)
		}

		var decoded map[string]string
		if err := json.Unmarshal([]byte(in.Body), &decoded); err != nil {
			t.Fatalf("decoding body %q: %v", in.Body, err)
		}
		if len(body) == 0 {
			body = map[string]string{}
		}
		if diff := cmp.Diff(body, decoded); diff != "" {
			t.Fatalf("body mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestPagesOf(t *testing.T) {
	ctx := context.Background()

	msgs := make([]Inbound, 5)
	for i := range msgs {
		msgs[i].UID = uint32(i + 1)
	}

	page := PagesOf("acct", Inbox, msgs, 2)
	var seen []uint32
	for page != nil {
		require.Equal(t, "acct", page.AccountID)
		for _, m := range page.Messages {
			seen = append(seen, m.UID)
		}
		next, err := page.Continue(ctx)
		require.NoError(t, err)
		page = next
	}
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, seen)

	single := PagesOf("acct", Inbox, msgs, 0)
	require.False(t, single.HasMore())
	require.Len(t, single.Messages, 5)
}
