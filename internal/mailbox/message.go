// Package mailbox moves filterctl requests and replies over real mail
// servers: it encodes outbound requests, parses inbound replies, submits
// mail over SMTP, and reads, files and deletes messages over IMAP.
package mailbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailrpc/internal/model"
)

const (
	// RequestIDHeader carries the correlation id of a request and is echoed
	// on its reply.
	RequestIDHeader = "X-Filterctl-Request-Id"

	// ResponseSubject marks a message as a filterctl reply.
	ResponseSubject = "filterctl response"

	// ControlUser is the local part of the recipient address that accepts
	// filterctl commands on every domain.
	ControlUser = "filterctl"
)

var (
	// ErrNoBody is returned when a message has no text part.
	ErrNoBody = errors.New("message has no text body")

	// ErrNoDomain is returned when an identity address has no domain.
	ErrNoDomain = errors.New("identity has no domain")
)

// Outbound is a request message ready to be encoded and submitted.
type Outbound struct {
	From      mail.Address
	To        mail.Address
	Subject   string
	Body      string
	RequestID string
	MessageID string
	Date      time.Time
}

// Recipients returns the bare envelope recipient addresses.
func (o Outbound) Recipients() []string {
	return []string{o.To.Address}
}

// ControlAddress returns filterctl@<domain of identity>.
func ControlAddress(ident model.Identity) (string, error) {
	domain := ident.Domain()
	if domain == "" {
		return "", fmt.Errorf("%w: %q", ErrNoDomain, ident.Email)
	}
	return ControlUser + "@" + domain, nil
}

// EncodeBody renders a request payload the way the filterctl service
// expects it: nil and "" become "{}", strings pass through and anything else
// is indented JSON.
func EncodeBody(body any) (string, error) {
	switch b := body.(type) {
	case nil:
		return "{}", nil
	case string:
		if b == "" {
			return "{}", nil
		}
		return b, nil
	case []byte:
		if len(b) == 0 {
			return "{}", nil
		}
		return string(b), nil
	}

	buf, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding request body: %w", err)
	}
	return string(buf), nil
}

// NewRequest builds the outbound message for one request. The command line
// becomes the subject and the encoded body the text part.
func NewRequest(ident model.Identity, requestID, command string,
	body any, now time.Time) (Outbound, error) {

	to, err := ControlAddress(ident)
	if err != nil {
		return Outbound{}, err
	}
	text, err := EncodeBody(body)
	if err != nil {
		return Outbound{}, err
	}

	return Outbound{
		From:      mail.Address{Name: ident.Name, Address: ident.Email},
		To:        mail.Address{Address: to},
		Subject:   command,
		Body:      text,
		RequestID: requestID,
		MessageID: uuid.NewString() + "@" + ident.Domain(),
		Date:      now,
	}, nil
}

// Encode renders the message as RFC 5322 bytes with a single text/plain
// part.
func (o Outbound) Encode() ([]byte, error) {
	var h mail.Header
	h.SetDate(o.Date)
	h.SetAddressList("From", []*mail.Address{&o.From})
	h.SetAddressList("To", []*mail.Address{&o.To})
	h.SetSubject(o.Subject)
	if o.MessageID != "" {
		h.SetMessageID(o.MessageID)
	}
	h.Set(RequestIDHeader, "<"+o.RequestID+">")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, o.Body); err != nil {
		return nil, fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Inbound is a received message as seen by the reply handler.
type Inbound struct {
	// UID is the IMAP UID in the folder the message was read from.
	UID uint32

	// MessageID is the transport message id without angle brackets.
	MessageID string

	Subject    string
	Author     string
	Recipients []string

	// Headers maps lower-cased header names to their first value.
	Headers map[string]string

	// Body is the first text/plain part, or the first text part of any
	// kind when no plain part exists.
	Body string

	// Read is set when the message already carried the \Seen flag.
	Read bool

	Date time.Time
}

// Header returns the first value of the named header, matched
// case-insensitively.
func (m Inbound) Header(name string) (string, bool) {
	v, ok := m.Headers[strings.ToLower(name)]
	return v, ok
}

// RequestID returns the correlation id carried in the reply header with its
// angle brackets removed.
func (m Inbound) RequestID() (string, bool) {
	v, ok := m.Header(RequestIDHeader)
	if !ok {
		return "", false
	}
	id := StripMessageID(v)
	return id, id != ""
}

// IsResponse reports whether the subject marks a filterctl reply.
func (m Inbound) IsResponse() bool {
	return m.Subject == ResponseSubject
}

// StripMessageID removes surrounding whitespace and one pair of angle
// brackets.
func StripMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// Parse decodes a raw RFC 5322 message.
func Parse(raw []byte) (Inbound, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Inbound{}, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	msg := Inbound{Headers: make(map[string]string)}

	fields := mr.Header.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, seen := msg.Headers[key]; seen {
			continue
		}
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		msg.Headers[key] = v
	}

	msg.Subject, _ = mr.Header.Subject()
	msg.Date, _ = mr.Header.Date()
	if id, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = id
	} else {
		msg.MessageID = StripMessageID(mr.Header.Get("Message-Id"))
	}

	if from, err := mr.Header.AddressList("From"); err == nil &&
		len(from) > 0 {

		msg.Author = from[0].String()
	}
	for _, key := range []string{"To", "Cc"} {
		list, err := mr.Header.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range list {
			msg.Recipients = append(msg.Recipients, a.Address)
		}
	}

	body, err := firstText(mr)
	if err != nil {
		return msg, err
	}
	msg.Body = body

	return msg, nil
}

func firstText(mr *mail.Reader) (string, error) {
	var fallback *string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading message part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}
		if !strings.HasPrefix(contentType, "text/") {
			continue
		}

		b, err := io.ReadAll(part.Body)
		if err != nil {
			return "", fmt.Errorf("reading message body: %w", err)
		}
		s := string(b)
		if contentType == "text/plain" {
			return s, nil
		}
		if fallback == nil {
			fallback = &s
		}
	}

	if fallback != nil {
		return *fallback, nil
	}
	return "", ErrNoBody
}
