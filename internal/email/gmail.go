package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailStore implements MailStore over the Gmail REST API for OAuth
// accounts.
type GmailStore struct {
	service    *gmail.Service
	userID     string
	textBudget int
	logger     *slog.Logger

	mu     sync.Mutex
	labels map[string]string // name -> label id, lazily populated
}

// NewGmailStore builds a store from an access token source
func NewGmailStore(ctx context.Context, tokenSource oauth2.TokenSource, textBudget int, logger *slog.Logger) (*GmailStore, error) {
	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	store := &GmailStore{
		service:    service,
		userID:     "me",
		textBudget: textBudget,
		logger:     logger,
		labels:     make(map[string]string),
	}

	// Verify the session before handing it to the pipeline
	if _, err := service.Users.GetProfile(store.userID).Context(ctx).Do(); err != nil {
		return nil, classifyGmailError(err, "gmail profile check failed")
	}

	return store, nil
}

// FetchSince pulls messages received at or after since. Gmail's after:
// operator accepts epoch seconds.
func (g *GmailStore) FetchSince(ctx context.Context, since time.Time) ([]Message, error) {
	query := fmt.Sprintf("after:%d in:inbox", since.Unix())

	var ids []string
	pageToken := ""
	for {
		req := g.service.Users.Messages.List(g.userID).Q(query).Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := req.Do()
		if err != nil {
			return nil, classifyGmailError(err, "gmail list failed")
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg, err := g.getMessage(ctx, id)
		if err != nil {
			g.logger.Warn("failed to fetch message", "message_id", id, "error", err)
			continue
		}
		messages = append(messages, *msg)
	}

	return messages, nil
}

func (g *GmailStore) getMessage(ctx context.Context, id string) (*Message, error) {
	full, err := g.service.Users.Messages.Get(g.userID, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classifyGmailError(err, "gmail get failed")
	}

	msg := &Message{ID: full.Id}

	var subject string
	for _, header := range full.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "from":
			msg.From = header.Value
		case "subject":
			subject = header.Value
			msg.Subject = header.Value
		case "date":
			if date, err := mail.ParseDate(header.Value); err == nil {
				msg.Date = date
			}
		}
	}
	if msg.Date.IsZero() && full.InternalDate > 0 {
		msg.Date = time.UnixMilli(full.InternalDate)
	}

	plainText, htmlText := extractContent(full.Payload)
	msg.Text = CleanText(subject, plainText, htmlText, g.textBudget)

	return msg, nil
}

// extractContent walks the MIME tree, preferring the first plain text part
func extractContent(payload *gmail.MessagePart) (plainText, htmlText string) {
	if payload == nil {
		return "", ""
	}

	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			switch payload.MimeType {
			case "text/plain":
				plainText = string(decoded)
			case "text/html":
				htmlText = string(decoded)
			}
		}
	}

	for _, part := range payload.Parts {
		partPlain, partHTML := extractContent(part)
		if partPlain != "" && plainText == "" {
			plainText = partPlain
		}
		if partHTML != "" && htmlText == "" {
			htmlText = partHTML
		}
	}

	return plainText, htmlText
}

// Label applies a label by name, creating it on first use
func (g *GmailStore) Label(ctx context.Context, messageID, label string) error {
	labelID, err := g.ensureLabel(ctx, label)
	if err != nil {
		return err
	}

	_, err = g.service.Users.Messages.Modify(g.userID, messageID, &gmail.ModifyMessageRequest{
		AddLabelIds: []string{labelID},
	}).Context(ctx).Do()
	if err != nil {
		return classifyGmailError(err, "gmail label failed")
	}
	return nil
}

// ensureLabel resolves a label name to its id, creating the label lazily.
// The name->id map is cached for the session.
func (g *GmailStore) ensureLabel(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	if id, ok := g.labels[name]; ok {
		g.mu.Unlock()
		return id, nil
	}
	g.mu.Unlock()

	resp, err := g.service.Users.Labels.List(g.userID).Context(ctx).Do()
	if err != nil {
		return "", classifyGmailError(err, "gmail label list failed")
	}

	g.mu.Lock()
	for _, l := range resp.Labels {
		g.labels[l.Name] = l.Id
	}
	if id, ok := g.labels[name]; ok {
		g.mu.Unlock()
		return id, nil
	}
	g.mu.Unlock()

	created, err := g.service.Users.Labels.Create(g.userID, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", classifyGmailError(err, "gmail label create failed")
	}

	g.mu.Lock()
	g.labels[name] = created.Id
	g.mu.Unlock()

	g.logger.Info("created gmail label", "label", name)
	return created.Id, nil
}

// Delete moves a message to the trash
func (g *GmailStore) Delete(ctx context.Context, messageID string) error {
	_, err := g.service.Users.Messages.Trash(g.userID, messageID).Context(ctx).Do()
	if err != nil {
		return classifyGmailError(err, "gmail trash failed")
	}
	return nil
}

// Archive removes a message from the inbox
func (g *GmailStore) Archive(ctx context.Context, messageID string) error {
	_, err := g.service.Users.Messages.Modify(g.userID, messageID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return classifyGmailError(err, "gmail archive failed")
	}
	return nil
}

// Close is a no-op; the Gmail API client holds no connection state
func (g *GmailStore) Close() error {
	return nil
}

// classifyGmailError maps API failures onto the auth/network taxonomy
func classifyGmailError(err error, context string) error {
	if apiErr, ok := err.(*googleapi.Error); ok {
		if apiErr.Code == 401 || apiErr.Code == 403 {
			return fmt.Errorf("%s: %w: %v", context, ErrAuth, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", context, ErrNetwork, err)
}
