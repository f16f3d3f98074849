package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/mailrpc/internal/model"
)

// SentReceipt describes a submitted request message.
type SentReceipt struct {
	MessageID string
	RequestID string
	SentAt    time.Time

	// CopyFolder is the folder a copy was filed into, if any.
	CopyFolder string
}

// SMTPSender submits messages directly to the account's SMTP server.
type SMTPSender struct {
	secrets   SecretSource
	tlsConfig *tls.Config
}

// NewSMTPSender returns a sender reading passwords from secrets. A nil
// tlsConfig uses the system defaults.
func NewSMTPSender(secrets SecretSource, tlsConfig *tls.Config) *SMTPSender {
	return &SMTPSender{secrets: secrets, tlsConfig: tlsConfig}
}

func (s *SMTPSender) dial(acct model.Account) (*smtp.Client, error) {
	addr := acct.SMTP.Addr()

	var cfg *tls.Config
	if s.tlsConfig != nil {
		cfg = s.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = acct.SMTP.Host
	}

	switch acct.SMTP.Security {
	case model.SecurityStartTLS:
		return smtp.DialStartTLS(addr, cfg)
	case model.SecurityNone:
		return smtp.Dial(addr)
	default:
		return smtp.DialTLS(addr, cfg)
	}
}

// Send encodes out and submits it. The request is sent exactly as encoded;
// nothing is retried.
func (s *SMTPSender) Send(ctx context.Context, acct model.Account,
	out Outbound) (*SentReceipt, error) {

	raw, err := out.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.submit(ctx, acct, out, raw); err != nil {
		return nil, err
	}

	return &SentReceipt{
		MessageID: out.MessageID,
		RequestID: out.RequestID,
		SentAt:    out.Date,
	}, nil
}

func (s *SMTPSender) submit(ctx context.Context, acct model.Account,
	out Outbound, raw []byte) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	password, err := s.secrets.Password(acct.ID)
	if err != nil {
		return fmt.Errorf("smtp password for %s: %w", acct.ID, err)
	}

	client, err := s.dial(acct)
	if err != nil {
		return fmt.Errorf("connecting to SMTP %s: %w", acct.SMTP.Addr(), err)
	}
	defer client.Close()

	if ok, _ := client.Extension("AUTH"); ok {
		auth := sasl.NewPlainClient("", acct.Username, password)
		if err := client.Auth(auth); err != nil {
			return &AuthError{
				AccountID: acct.ID,
				Server:    acct.SMTP.Addr(),
				Err:       err,
			}
		}
	}

	err = client.SendMail(out.From.Address, out.Recipients(),
		bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("submitting request %s: %w", out.RequestID, err)
	}

	log.DebugS(ctx, "Submitted request", "account", acct.ID,
		"request_id", out.RequestID, "to", out.To.Address)

	return client.Quit()
}

// Appender files a raw message into one of an account's folders.
type Appender interface {
	Append(ctx context.Context, acct model.Account, role model.FolderRole,
		raw []byte, date time.Time) (string, error)
}

// Append implements Appender.
func (c *Connector) Append(ctx context.Context, acct model.Account,
	role model.FolderRole, raw []byte, date time.Time) (string, error) {

	return c.Client(acct).Append(ctx, role, raw, date)
}

// ComposeSender submits a request and then files a copy into the account's
// Sent folder, the way an interactive mail client does. The copy is what
// sent-folder housekeeping later removes.
type ComposeSender struct {
	smtp     *SMTPSender
	appender Appender
}

// NewComposeSender wraps an SMTPSender with a sent-copy step.
func NewComposeSender(s *SMTPSender, appender Appender) *ComposeSender {
	return &ComposeSender{smtp: s, appender: appender}
}

// Send submits out and files the sent copy. A failure to file the copy is
// logged, not returned: the request itself has been delivered.
func (c *ComposeSender) Send(ctx context.Context, acct model.Account,
	out Outbound) (*SentReceipt, error) {

	raw, err := out.Encode()
	if err != nil {
		return nil, err
	}
	if err := c.smtp.submit(ctx, acct, out, raw); err != nil {
		return nil, err
	}

	receipt := &SentReceipt{
		MessageID: out.MessageID,
		RequestID: out.RequestID,
		SentAt:    out.Date,
	}

	folder, err := c.appender.Append(ctx, acct, model.FolderSent, raw, out.Date)
	if err != nil {
		log.WarnS(ctx, "Filing sent copy", err, "account", acct.ID,
			"request_id", out.RequestID)
		return receipt, nil
	}
	receipt.CopyFolder = folder

	return receipt, nil
}
