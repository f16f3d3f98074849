package model

import (
	"fmt"
	"strings"
)

// Identity is one sending address configured on an account.
type Identity struct {
	// Email is the bare address (user@example.org).
	Email string `mapstructure:"email" yaml:"email"`

	// Name is the display name used in the From header.
	Name string `mapstructure:"name" yaml:"name"`
}

// Domain returns the part of the address after the final '@', lower-cased.
func (i Identity) Domain() string {
	at := strings.LastIndexByte(i.Email, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(i.Email[at+1:])
}

// Security selects how a mail server connection is secured.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// ServerConfig describes one IMAP or SMTP endpoint.
type ServerConfig struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     int      `mapstructure:"port" yaml:"port"`
	Security Security `mapstructure:"security" yaml:"security"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Account is a configured mail account that can issue filterctl requests.
type Account struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// Username is the login used for both IMAP and SMTP. The password is
	// held in the credential store, never in the config file.
	Username string `mapstructure:"username" yaml:"username"`

	// Identities lists the sending addresses; the first one is used for
	// requests.
	Identities []Identity `mapstructure:"identities" yaml:"identities"`

	IMAP ServerConfig `mapstructure:"imap" yaml:"imap"`
	SMTP ServerConfig `mapstructure:"smtp" yaml:"smtp"`

	// Enabled controls whether this account is watched for replies.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// PrimaryIdentity returns the first configured identity.
func (a Account) PrimaryIdentity() (Identity, error) {
	if len(a.Identities) == 0 {
		return Identity{}, fmt.Errorf("account %s has no identities", a.ID)
	}
	return a.Identities[0], nil
}

// FolderRole names the part of an account a housekeeping entry tracks.
type FolderRole string

const (
	FolderInbox FolderRole = "inbox"
	FolderSent  FolderRole = "sent"
)

// FolderKey identifies one tracked folder: an account plus a role.
type FolderKey struct {
	AccountID string
	Role      FolderRole
}

func (k FolderKey) String() string {
	return k.AccountID + "/" + string(k.Role)
}
