package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"beacon/api/internal/comment"
	"beacon/api/internal/store"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "beacon@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "beacon@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "beacon@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewService(tt.config).IsConfigured(); got != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.expected)
			}
		})
	}
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

type captureSender struct {
	mu    sync.Mutex
	sent  []sentMail
	failTo map[string]bool
}

func (c *captureSender) send(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTo[to[0]] {
		return errors.New("mailbox unavailable")
	}
	c.sent = append(c.sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
	return nil
}

func configuredService(sender *captureSender) *Service {
	return NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "beacon@example.com",
		FromName: "Beacon",
	}).WithSender(sender.send)
}

func TestSendHTMLEmailBuildsMultipartMessage(t *testing.T) {
	sender := &captureSender{}
	svc := configuredService(sender)

	if err := svc.SendHTMLEmail([]string{"ana@example.com"}, "Hello", "plain body", "<p>html body</p>"); err != nil {
		t.Fatalf("SendHTMLEmail() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	mail := sender.sent[0]
	if mail.addr != "smtp.example.com:587" || mail.from != "beacon@example.com" {
		t.Fatalf("unexpected envelope %+v", mail)
	}
	for _, want := range []string{"From: Beacon <beacon@example.com>", "Subject: Hello", "multipart/alternative", "plain body", "<p>html body</p>"} {
		if !strings.Contains(mail.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendHTMLEmailRequiresConfig(t *testing.T) {
	if err := NewService(Config{}).SendHTMLEmail([]string{"a@example.com"}, "s", "t", "h"); err == nil {
		t.Fatal("expected error when not configured")
	}
}

type fakeDirectory struct {
	users map[string]store.User
	asked []string
}

func (f *fakeDirectory) GetUsersByIDs(_ context.Context, ids []string) ([]store.User, error) {
	f.asked = append(f.asked, ids...)
	out := make([]store.User, 0, len(ids))
	for _, id := range ids {
		if user, ok := f.users[id]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

func TestMentionNotifierSkipsAuthorAndEscapesText(t *testing.T) {
	sender := &captureSender{}
	directory := &fakeDirectory{users: map[string]store.User{
		"u-2": {UserUUID: "u-2", Name: "Ana", OrganizationUUID: "org-1", Email: "ana@example.com"},
		"u-3": {UserUUID: "u-3", Name: "Ben", OrganizationUUID: "org-1", Email: "ben@example.com"},
	}}
	notifier := NewMentionNotifier(configuredService(sender), directory, "https://beacon.example.com/", nil)

	err := notifier.Notify(context.Background(), comment.Event{
		Name:              comment.EventCreated,
		UserUUID:          "u-1",
		UserName:          "Ada",
		OrganizationUUID:  "org-1",
		ProjectUUID:       "proj-1",
		DashboardUUID:     "dash-1",
		DashboardName:     "Revenue",
		DashboardTileUUID: "tile-1",
		Text:              "<script>x</script> look",
		Mentions:          []string{"u-1", "u-2", "u-3"},
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if strings.Join(directory.asked, ",") != "u-2,u-3" {
		t.Fatalf("author should be skipped, asked for %v", directory.asked)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected two emails, got %d", len(sender.sent))
	}
	msg := sender.sent[0].msg
	if !strings.Contains(msg, "Subject: Ada mentioned you on Revenue") {
		t.Errorf("unexpected subject in %q", msg)
	}
	if !strings.Contains(msg, "https://beacon.example.com/projects/proj-1/dashboards/dash-1/view?tileUuid=tile-1") {
		t.Errorf("missing dashboard link in %q", msg)
	}
	if strings.Contains(msg, "<script>x</script> look</div>") {
		t.Error("comment text should be HTML-escaped")
	}
}

func TestMentionNotifierReportsSendFailures(t *testing.T) {
	sender := &captureSender{failTo: map[string]bool{"ana@example.com": true}}
	directory := &fakeDirectory{users: map[string]store.User{
		"u-2": {UserUUID: "u-2", Name: "Ana", OrganizationUUID: "org-1", Email: "ana@example.com"},
		"u-3": {UserUUID: "u-3", Name: "Ben", OrganizationUUID: "org-1", Email: "ben@example.com"},
	}}
	notifier := NewMentionNotifier(configuredService(sender), directory, "", nil)

	err := notifier.Notify(context.Background(), comment.Event{Name: comment.EventCreated, UserUUID: "u-1", OrganizationUUID: "org-1", Mentions: []string{"u-2", "u-3"}})
	if err == nil {
		t.Fatal("expected the failed send to be reported")
	}
	if len(sender.sent) != 1 || sender.sent[0].to[0] != "ben@example.com" {
		t.Fatalf("remaining recipients should still be mailed: %+v", sender.sent)
	}
}

func TestMentionNotifierObserveRunsInBackground(t *testing.T) {
	sender := &captureSender{}
	directory := &fakeDirectory{users: map[string]store.User{"u-2": {UserUUID: "u-2", Name: "Ana", OrganizationUUID: "org-1", Email: "ana@example.com"}}}
	notifier := NewMentionNotifier(configuredService(sender), directory, "", nil)

	notifier.Observe(context.Background(), comment.Event{Name: comment.EventResolved, Mentions: []string{"u-2"}})
	notifier.Observe(context.Background(), comment.Event{Name: comment.EventCreated, UserUUID: "u-1", OrganizationUUID: "org-1", Mentions: []string{"u-2"}})
	notifier.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected one email for the created event only, got %d", len(sender.sent))
	}
}

func TestMentionNotifierIdleWithoutSMTP(t *testing.T) {
	directory := &fakeDirectory{}
	notifier := NewMentionNotifier(NewService(Config{}), directory, "", nil)

	notifier.Observe(context.Background(), comment.Event{Name: comment.EventCreated, UserUUID: "u-1", Mentions: []string{"u-2"}})
	notifier.Wait()
	if len(directory.asked) != 0 {
		t.Fatal("unconfigured notifier should not look up users")
	}
}

func TestMentionNotifierSkipsUsersOutsideOrganization(t *testing.T) {
	sender := &captureSender{}
	directory := &fakeDirectory{users: map[string]store.User{
		"u-2":      {UserUUID: "u-2", Name: "Ana", OrganizationUUID: "org-1", Email: "ana@example.com"},
		"stranger": {UserUUID: "stranger", Name: "Eve", OrganizationUUID: "other-org", Email: "eve@rival.example"},
	}}
	notifier := NewMentionNotifier(configuredService(sender), directory, "", nil)

	err := notifier.Notify(context.Background(), comment.Event{
		Name:             comment.EventCreated,
		UserUUID:         "u-1",
		OrganizationUUID: "org-1",
		Text:             "quarterly numbers",
		Mentions:         []string{"stranger", "u-2"},
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].to[0] != "ana@example.com" {
		t.Fatalf("only the same-organization user should be mailed: %+v", sender.sent)
	}
}

func TestMentionNotifierNeedsOrganization(t *testing.T) {
	sender := &captureSender{}
	directory := &fakeDirectory{users: map[string]store.User{"u-2": {UserUUID: "u-2", Name: "Ana", Email: "ana@example.com"}}}
	notifier := NewMentionNotifier(configuredService(sender), directory, "", nil)

	if err := notifier.Notify(context.Background(), comment.Event{Name: comment.EventCreated, UserUUID: "u-1", Mentions: []string{"u-2"}}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(directory.asked) != 0 || len(sender.sent) != 0 {
		t.Fatal("an event without an organization should not look up or mail anyone")
	}
}
