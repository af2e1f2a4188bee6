package comment

import "context"

const (
	EventCreated  = "comment.created"
	EventResolved = "comment.resolved"
	EventDeleted  = "comment.deleted"
)

// Event describes a comment action for telemetry. Observers must not fail the
// action that produced the event.
type Event struct {
	Name              string   `json:"event"`
	UserUUID          string   `json:"userUuid"`
	UserName          string   `json:"userName,omitempty"`
	OrganizationUUID  string   `json:"organizationUuid,omitempty"`
	ProjectUUID       string   `json:"projectUuid,omitempty"`
	DashboardUUID     string   `json:"dashboardUuid"`
	DashboardName     string   `json:"dashboardName,omitempty"`
	DashboardTileUUID string   `json:"dashboardTileUuid"`
	CommentID         string   `json:"commentId,omitempty"`
	Text              string   `json:"text,omitempty"`
	IsReply           bool     `json:"isReply"`
	HasMention        bool     `json:"hasMention"`
	IsOwner           bool     `json:"isOwner"`
	Mentions          []string `json:"mentions,omitempty"`
}

type Observer interface {
	Observe(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

// Observers fans an event out to each observer in order.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, event Event) {
	for _, observer := range o {
		if observer != nil {
			observer.Observe(ctx, event)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, Event) {}
