package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"
	"time"

	"beacon/api/internal/comment"
	"beacon/api/internal/store"
)

type UserDirectory interface {
	GetUsersByIDs(ctx context.Context, userUUIDs []string) ([]store.User, error)
}

// MentionNotifier emails users mentioned in a new comment.
type MentionNotifier struct {
	mailer    *Service
	directory UserDirectory
	appURL    string
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewMentionNotifier(mailer *Service, directory UserDirectory, appURL string, logger *slog.Logger) *MentionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MentionNotifier{
		mailer:    mailer,
		directory: directory,
		appURL:    strings.TrimRight(appURL, "/"),
		logger:    logger,
	}
}

// Observe implements comment.Observer. Sending happens in the background.
func (n *MentionNotifier) Observe(ctx context.Context, event comment.Event) {
	if event.Name != comment.EventCreated || len(event.Mentions) == 0 || !n.mailer.IsConfigured() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := n.Notify(sendCtx, event); err != nil {
			n.logger.WarnContext(sendCtx, "mention notification failed", "comment_id", event.CommentID, "error", err)
		}
	}()
}

// Wait blocks until background sends finish.
func (n *MentionNotifier) Wait() {
	n.wg.Wait()
}

// Notify sends one email per mentioned user, skipping the author and anyone
// outside the comment's organization. It returns the first send error after
// trying every recipient.
func (n *MentionNotifier) Notify(ctx context.Context, event comment.Event) error {
	if event.OrganizationUUID == "" {
		return nil
	}
	recipients := make([]string, 0, len(event.Mentions))
	for _, id := range event.Mentions {
		if id != event.UserUUID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	users, err := n.directory.GetUsersByIDs(ctx, recipients)
	if err != nil {
		return fmt.Errorf("load mentioned users: %w", err)
	}

	var firstErr error
	for _, user := range users {
		if user.Email == "" {
			continue
		}
		if user.OrganizationUUID != event.OrganizationUUID {
			n.logger.WarnContext(ctx, "skipping mention outside organization",
				"comment_id", event.CommentID,
				"user_uuid", user.UserUUID,
			)
			continue
		}
		data := mentionData{
			RecipientName: user.Name,
			AuthorName:    firstNonBlank(event.UserName, "Someone"),
			DashboardName: firstNonBlank(event.DashboardName, "a dashboard"),
			Text:          event.Text,
			URL:           n.dashboardURL(event),
		}
		html, err := renderTemplate(mentionTemplate, data)
		if err != nil {
			return fmt.Errorf("render mention template: %w", err)
		}
		subject := fmt.Sprintf("%s mentioned you on %s", data.AuthorName, data.DashboardName)
		text := fmt.Sprintf("%s\n\n%s\n\n%s", subject, data.Text, data.URL)
		if err := n.mailer.SendHTMLEmail([]string{user.Email}, subject, text, html); err != nil {
			n.logger.WarnContext(ctx, "send mention email", "user_uuid", user.UserUUID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *MentionNotifier) dashboardURL(event comment.Event) string {
	return fmt.Sprintf("%s/projects/%s/dashboards/%s/view?tileUuid=%s",
		n.appURL, event.ProjectUUID, event.DashboardUUID, event.DashboardTileUUID)
}

type mentionData struct {
	RecipientName string
	AuthorName    string
	DashboardName string
	Text          string
	URL           string
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

const mentionTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AuthorName}} mentioned you</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .quote { border-left: 3px solid #7262ff; padding: 8px 12px; background: #f6f5ff; margin: 16px 0; }
        .button { display: inline-block; padding: 12px 24px; background: #7262ff; color: white; text-decoration: none; border-radius: 4px; }
    </style>
</head>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p><strong>{{.AuthorName}}</strong> mentioned you in a comment on <strong>{{.DashboardName}}</strong>:</p>
    <div class="quote">{{.Text}}</div>
    <p><a href="{{.URL}}" class="button">View comment</a></p>
</body>
</html>`
