package email

import (
	"context"
	"errors"
	"strings"
	"time"

	"cat-emails/internal/database"
)

// Sentinel errors for credential and transport failures. The pipeline
// branches on these to decide between failing fast and retrying.
var (
	// ErrAuth means the account's credentials were rejected
	ErrAuth = errors.New("mail store authentication failed")

	// ErrNetwork means a transient transport failure
	ErrNetwork = errors.New("mail store network error")
)

// Message is the minimal envelope plus cleaned text the pipeline needs.
// Bodies are never persisted; Text exists only for classification.
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`

	Text string `json:"-"`
}

// SenderDomain extracts the domain part of the From address, lowercased.
// Handles both bare addresses and "Name <addr>" forms.
func (m *Message) SenderDomain() string {
	addr := m.From
	if start := strings.LastIndex(addr, "<"); start >= 0 {
		addr = addr[start+1:]
		if end := strings.Index(addr, ">"); end >= 0 {
			addr = addr[:end]
		}
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// MailStore is one authenticated mailbox session. Sessions are owned by a
// single pipeline invocation and must be closed on exit.
type MailStore interface {
	// FetchSince pulls messages whose internal date is at or after since
	FetchSince(ctx context.Context, since time.Time) ([]Message, error)

	// Label applies a label to a message, creating the label lazily
	Label(ctx context.Context, messageID, label string) error

	// Delete moves a message to the trash
	Delete(ctx context.Context, messageID string) error

	// Archive removes a message from the inbox without deleting it
	Archive(ctx context.Context, messageID string) error

	Close() error
}

// Connector opens a MailStore session for an account, dispatching on the
// credential variant.
type Connector interface {
	Connect(ctx context.Context, account *database.Account) (MailStore, error)
}
