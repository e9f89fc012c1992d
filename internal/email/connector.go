package email

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"cat-emails/internal/database"
)

// GmailConnector opens mailbox sessions, dispatching on the account's
// credential variant: OAuth accounts go through the Gmail REST API, IMAP
// accounts through an app-password IMAP session.
type GmailConnector struct {
	tokens     *TokenManager
	imapAddr   string
	textBudget int
	logger     *slog.Logger
}

// NewGmailConnector creates a connector. imapAddr defaults to Gmail's IMAP
// endpoint when empty.
func NewGmailConnector(tokens *TokenManager, imapAddr string, textBudget int, logger *slog.Logger) *GmailConnector {
	return &GmailConnector{
		tokens:     tokens,
		imapAddr:   imapAddr,
		textBudget: textBudget,
		logger:     logger,
	}
}

// Connect opens a session for the account. Fails fast with ErrAuth when the
// populated credential variant is unusable.
func (c *GmailConnector) Connect(ctx context.Context, account *database.Account) (MailStore, error) {
	switch account.AuthMethod {
	case database.AuthMethodOAuth:
		accessToken, err := c.tokens.AccessToken(ctx, account)
		if err != nil {
			return nil, err
		}
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
		return NewGmailStore(ctx, source, c.textBudget, c.logger.With("account", account.Email))

	case database.AuthMethodIMAP:
		if account.IMAPPassword == "" {
			return nil, fmt.Errorf("account %s has no app password: %w", account.Email, ErrAuth)
		}
		return DialIMAP(c.imapAddr, account.Email, account.IMAPPassword,
			c.textBudget, c.logger.With("account", account.Email))

	default:
		return nil, fmt.Errorf("account %s has unknown auth method %q: %w",
			account.Email, account.AuthMethod, ErrAuth)
	}
}
