package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"cat-emails/internal/database"
)

// expirySkew refreshes tokens slightly before they actually expire so a
// long fetch never runs into a mid-flight 401.
const expirySkew = 2 * time.Minute

// TokenManager maintains process-wide cached access tokens per account.
// Concurrent refreshes for the same account collapse into one round trip
// via singleflight.
type TokenManager struct {
	oauthConfig *oauth2.Config
	accounts    *database.AccountStore
	logger      *slog.Logger
	group       singleflight.Group
}

// NewTokenManager creates a token manager backed by the account store
func NewTokenManager(oauthConfig *oauth2.Config, accounts *database.AccountStore, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		oauthConfig: oauthConfig,
		accounts:    accounts,
		logger:      logger,
	}
}

// AccessToken returns a valid access token for the account, refreshing it
// when the cached one is missing or expires within the skew window.
func (m *TokenManager) AccessToken(ctx context.Context, account *database.Account) (string, error) {
	if m.oauthConfig == nil {
		return "", fmt.Errorf("oauth client is not configured: %w", ErrAuth)
	}
	if account.OAuthRefreshToken == "" {
		return "", fmt.Errorf("account %s has no refresh token: %w", account.Email, ErrAuth)
	}

	if account.OAuthAccessToken != "" && account.OAuthTokenExpiry != nil &&
		time.Now().Add(expirySkew).Before(*account.OAuthTokenExpiry) {
		return account.OAuthAccessToken, nil
	}

	token, err, _ := m.group.Do(account.Email, func() (interface{}, error) {
		return m.refresh(ctx, account)
	})
	if err != nil {
		return "", err
	}

	return token.(string), nil
}

// refresh exchanges the refresh token for a fresh access token and caches
// it on the account row.
func (m *TokenManager) refresh(ctx context.Context, account *database.Account) (string, error) {
	// Re-read the row in case another process refreshed while we waited
	current, err := m.accounts.GetByEmail(account.Email)
	if err == nil && current.OAuthAccessToken != "" && current.OAuthTokenExpiry != nil &&
		time.Now().Add(expirySkew).Before(*current.OAuthTokenExpiry) {
		return current.OAuthAccessToken, nil
	}

	source := m.oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: account.OAuthRefreshToken,
	})

	token, err := source.Token()
	if err != nil {
		if retrieveErr, ok := err.(*oauth2.RetrieveError); ok && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == 400 || retrieveErr.Response.StatusCode == 401) {
			return "", fmt.Errorf("token refresh rejected for %s: %w: %v", account.Email, ErrAuth, err)
		}
		return "", fmt.Errorf("token refresh failed for %s: %w: %v", account.Email, ErrNetwork, err)
	}

	if err := m.accounts.UpdateOAuthTokens(account.Email, token.AccessToken, token.Expiry); err != nil {
		// The token is still usable; caching is best effort
		m.logger.Warn("failed to cache refreshed token", "account", account.Email, "error", err)
	}

	m.logger.Debug("refreshed oauth access token", "account", account.Email, "expiry", token.Expiry)
	return token.AccessToken, nil
}
