package email

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const gmailIMAPAddr = "imap.gmail.com:993"

// IMAPStore implements MailStore over IMAP for app-password accounts.
// Gmail's IMAP extension (X-GM-LABELS) is used for labeling, so behavior
// matches the API-backed store.
type IMAPStore struct {
	client     *client.Client
	textBudget int
	logger     *slog.Logger

	// message ids are mapped to IMAP uids per fetch; Label/Delete/Archive
	// look up the uid for the id they were handed
	uids map[string]uint32
}

// DialIMAP connects and authenticates with an app password
func DialIMAP(addr, username, password string, textBudget int, logger *slog.Logger) (*IMAPStore, error) {
	if addr == "" {
		addr = gmailIMAPAddr
	}

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial failed: %w: %v", ErrNetwork, err)
	}

	if err := c.Login(username, password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login failed: %w: %v", ErrAuth, err)
	}

	return &IMAPStore{
		client:     c,
		textBudget: textBudget,
		logger:     logger,
		uids:       make(map[string]uint32),
	}, nil
}

// FetchSince selects the inbox and pulls messages at or after since.
// IMAP SINCE has day granularity; the exact cut is applied client-side on
// the internal date.
func (s *IMAPStore) FetchSince(ctx context.Context, since time.Time) ([]Message, error) {
	if _, err := s.client.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("imap select failed: %w: %v", ErrNetwork, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since.Truncate(24 * time.Hour)

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search failed: %w: %v", ErrNetwork, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	for msg := range ch {
		select {
		case <-ctx.Done():
			// Drain the channel so the fetch goroutine can finish
			for range ch {
			}
			<-done
			return nil, fmt.Errorf("imap fetch cancelled: %w", ctx.Err())
		default:
		}

		parsed, ok := s.parseMessage(msg, section, since)
		if ok {
			messages = append(messages, parsed)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch failed: %w: %v", ErrNetwork, err)
	}

	return messages, nil
}

func (s *IMAPStore) parseMessage(msg *imap.Message, section *imap.BodySectionName, since time.Time) (Message, bool) {
	if msg == nil || msg.Envelope == nil {
		return Message{}, false
	}
	if !msg.InternalDate.IsZero() && msg.InternalDate.Before(since) {
		return Message{}, false
	}

	id := msg.Envelope.MessageId
	if id == "" {
		id = fmt.Sprintf("uid:%d", msg.Uid)
	}
	s.uids[id] = msg.Uid

	parsed := Message{
		ID:      id,
		Subject: msg.Envelope.Subject,
		Date:    msg.InternalDate,
	}
	if parsed.Date.IsZero() {
		parsed.Date = msg.Envelope.Date
	}
	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		parsed.From = from.MailboxName + "@" + from.HostName
		if from.PersonalName != "" {
			parsed.From = fmt.Sprintf("%s <%s>", from.PersonalName, parsed.From)
		}
	}

	plainText, htmlText := "", ""
	if body := msg.GetBody(section); body != nil {
		plainText, htmlText = parseBody(body)
	}
	parsed.Text = CleanText(parsed.Subject, plainText, htmlText, s.textBudget)

	return parsed, true
}

// parseBody walks a raw RFC 822 message looking for text parts
func parseBody(r io.Reader) (plainText, htmlText string) {
	parsed, err := mail.ReadMessage(r)
	if err != nil {
		return "", ""
	}

	contentType := parsed.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return "", ""
		}
		reader := multipart.NewReader(parsed.Body, boundary)
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			data, err := io.ReadAll(io.LimitReader(part, 1<<20))
			if err != nil {
				continue
			}
			switch partType {
			case "text/plain":
				if plainText == "" {
					plainText = string(data)
				}
			case "text/html":
				if htmlText == "" {
					htmlText = string(data)
				}
			}
		}
		return plainText, htmlText
	}

	data, err := io.ReadAll(io.LimitReader(parsed.Body, 1<<20))
	if err != nil {
		return "", ""
	}
	if mediaType == "text/html" {
		return "", string(data)
	}
	return string(data), ""
}

func (s *IMAPStore) uidSet(messageID string) (*imap.SeqSet, error) {
	uid, ok := s.uids[messageID]
	if !ok {
		return nil, fmt.Errorf("unknown message id %q in this session", messageID)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	return seqset, nil
}

// Label applies a Gmail label via the X-GM-LABELS extension
func (s *IMAPStore) Label(ctx context.Context, messageID, label string) error {
	seqset, err := s.uidSet(messageID)
	if err != nil {
		return err
	}

	item := imap.StoreItem("+X-GM-LABELS")
	if err := s.client.UidStore(seqset, item, []interface{}{label}, nil); err != nil {
		return fmt.Errorf("imap label failed: %w: %v", ErrNetwork, err)
	}
	return nil
}

// Delete flags the message deleted and expunges it
func (s *IMAPStore) Delete(ctx context.Context, messageID string) error {
	seqset, err := s.uidSet(messageID)
	if err != nil {
		return err
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("imap delete failed: %w: %v", ErrNetwork, err)
	}
	if err := s.client.Expunge(nil); err != nil {
		return fmt.Errorf("imap expunge failed: %w: %v", ErrNetwork, err)
	}
	return nil
}

// Archive copies the message to All Mail and removes it from the inbox
func (s *IMAPStore) Archive(ctx context.Context, messageID string) error {
	seqset, err := s.uidSet(messageID)
	if err != nil {
		return err
	}

	if err := s.client.UidCopy(seqset, "[Gmail]/All Mail"); err != nil {
		return fmt.Errorf("imap archive copy failed: %w: %v", ErrNetwork, err)
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("imap archive failed: %w: %v", ErrNetwork, err)
	}
	if err := s.client.Expunge(nil); err != nil {
		return fmt.Errorf("imap expunge failed: %w: %v", ErrNetwork, err)
	}
	return nil
}

// Close logs out the IMAP session
func (s *IMAPStore) Close() error {
	return s.client.Logout()
}
