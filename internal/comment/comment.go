// Package comment implements dashboard tile comments: creating them, listing
// them per dashboard, resolving them and deleting them, gated by ability
// rules and space visibility.
package comment

import (
	"context"
	"errors"
	"time"

	"beacon/api/internal/ability"
)

// Comment is a single remark attached to a dashboard tile.
type Comment struct {
	CommentID         string    `json:"commentId"`
	DashboardUUID     string    `json:"dashboardUuid"`
	DashboardTileUUID string    `json:"dashboardTileUuid"`
	UserUUID          string    `json:"userUuid"`
	UserName          string    `json:"userName"`
	Text              string    `json:"text"`
	TextHTML          string    `json:"textHtml"`
	ReplyTo           *string   `json:"replyTo"`
	Mentions          []string  `json:"mentions"`
	Resolved          bool      `json:"resolved"`
	CreatedAt         time.Time `json:"createdAt"`
	CanRemove         bool      `json:"canRemove"`
}

// Dashboard carries the identifiers a comment check is scoped by.
type Dashboard struct {
	UUID             string
	Name             string
	ProjectUUID      string
	SpaceUUID        string
	OrganizationUUID string
}

// NewComment is what the store needs to persist a comment.
type NewComment struct {
	DashboardUUID     string
	DashboardTileUUID string
	UserUUID          string
	Text              string
	TextHTML          string
	ReplyTo           *string
	Mentions          []string
}

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

const spaceAccessMessage = "You don't have access to the space this dashboard belongs to"

// ForbiddenError is returned when an ability or space check fails.
// errors.Is(err, ErrForbidden) matches it.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	if e == nil || e.Message == "" {
		return "forbidden"
	}
	return e.Message
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

func forbidden(message string) error {
	return &ForbiddenError{Message: message}
}

type DashboardLookup interface {
	GetDashboard(ctx context.Context, dashboardUUID string) (Dashboard, error)
}

type Authorizer interface {
	Can(user ability.User, action ability.Action, subject ability.Subject) bool
}

// Store persists comments. GetComment, ResolveComment and DeleteComment
// return an error matching ErrNotFound when the comment does not exist.
type Store interface {
	CreateComment(ctx context.Context, input NewComment) (string, error)
	FindCommentsForDashboard(ctx context.Context, dashboardUUID, userUUID string, canRemoveAnyComment bool) (map[string][]Comment, error)
	GetComment(ctx context.Context, commentID string) (Comment, error)
	ResolveComment(ctx context.Context, commentID string) error
	DeleteComment(ctx context.Context, commentID string) error
}
