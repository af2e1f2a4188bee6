package comment

import (
	"context"
	"fmt"
	"log/slog"

	"beacon/api/internal/ability"
	"beacon/api/internal/space"
)

// OwnerDeletePolicy decides what a comment author without manage rights gets
// back after deleting their own comment.
type OwnerDeletePolicy int

const (
	// OwnerDeleteAllowed deletes the comment and reports success.
	OwnerDeleteAllowed OwnerDeletePolicy = iota
	// OwnerDeleteLegacy deletes the comment and still reports Forbidden.
	OwnerDeleteLegacy
)

type Service struct {
	dashboards  DashboardLookup
	spaces      space.Lookup
	auth        Authorizer
	store       Store
	observer    Observer
	logger      *slog.Logger
	ownerDelete OwnerDeletePolicy
}

type Option func(*Service)

func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithOwnerDeletePolicy(policy OwnerDeletePolicy) Option {
	return func(s *Service) {
		s.ownerDelete = policy
	}
}

func NewService(dashboards DashboardLookup, spaces space.Lookup, auth Authorizer, store Store, opts ...Option) *Service {
	s := &Service{
		dashboards: dashboards,
		spaces:     spaces,
		auth:       auth,
		store:      store,
		observer:   nopObserver{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HasDashboardSpaceAccess reports whether the user can see the space. A
// failed lookup is logged and counts as no access.
func (s *Service) HasDashboardSpaceAccess(ctx context.Context, user ability.User, spaceUUID string) bool {
	access, err := space.Check(ctx, s.spaces, s.auth, user, spaceUUID)
	if access == space.Indeterminate {
		s.logger.ErrorContext(ctx, "space access indeterminate, denying",
			"space_uuid", spaceUUID,
			"user_uuid", user.UserUUID,
			"error", err,
		)
		return false
	}
	return access == space.Allowed
}

func (s *Service) CreateComment(
	ctx context.Context,
	user ability.User,
	dashboardUUID string,
	dashboardTileUUID string,
	text string,
	textHTML string,
	replyTo *string,
	mentions []string,
) (string, error) {
	dashboard, err := s.dashboards.GetDashboard(ctx, dashboardUUID)
	if err != nil {
		return "", err
	}
	if !s.auth.Can(user, ability.ActionCreate, ability.DashboardComments(user.OrganizationUUID, dashboard.ProjectUUID)) {
		return "", forbidden("")
	}
	if !s.HasDashboardSpaceAccess(ctx, user, dashboard.SpaceUUID) {
		return "", forbidden(spaceAccessMessage)
	}
	if replyTo != nil && *replyTo != "" {
		if _, err := s.commentOnDashboard(ctx, *replyTo, dashboardUUID); err != nil {
			return "", fmt.Errorf("reply to: %w", err)
		}
	}

	commentID, err := s.store.CreateComment(ctx, NewComment{
		DashboardUUID:     dashboardUUID,
		DashboardTileUUID: dashboardTileUUID,
		UserUUID:          user.UserUUID,
		Text:              text,
		TextHTML:          textHTML,
		ReplyTo:           replyTo,
		Mentions:          mentions,
	})
	if err != nil {
		return "", fmt.Errorf("create comment: %w", err)
	}

	s.observer.Observe(ctx, Event{
		Name:              EventCreated,
		UserUUID:          user.UserUUID,
		UserName:          user.Name,
		OrganizationUUID:  dashboard.OrganizationUUID,
		ProjectUUID:       dashboard.ProjectUUID,
		DashboardUUID:     dashboardUUID,
		DashboardName:     dashboard.Name,
		DashboardTileUUID: dashboardTileUUID,
		CommentID:         commentID,
		Text:              text,
		IsReply:           replyTo != nil && *replyTo != "",
		HasMention:        len(mentions) > 0,
		IsOwner:           true,
		Mentions:          mentions,
	})
	return commentID, nil
}

// FindCommentsForDashboard returns the dashboard's comments keyed by tile.
func (s *Service) FindCommentsForDashboard(ctx context.Context, user ability.User, dashboardUUID string) (map[string][]Comment, error) {
	dashboard, err := s.dashboards.GetDashboard(ctx, dashboardUUID)
	if err != nil {
		return nil, err
	}
	subject := ability.DashboardComments(dashboard.OrganizationUUID, dashboard.ProjectUUID)
	if !s.auth.Can(user, ability.ActionView, subject) {
		return nil, forbidden("")
	}
	if !s.HasDashboardSpaceAccess(ctx, user, dashboard.SpaceUUID) {
		return nil, forbidden(spaceAccessMessage)
	}

	canUserRemoveAnyComment := s.auth.Can(user, ability.ActionManage, subject)
	byTile, err := s.store.FindCommentsForDashboard(ctx, dashboardUUID, user.UserUUID, canUserRemoveAnyComment)
	if err != nil {
		return nil, fmt.Errorf("find comments for dashboard: %w", err)
	}
	for tile, comments := range byTile {
		for i := range comments {
			comments[i].CanRemove = canUserRemoveAnyComment || comments[i].UserUUID == user.UserUUID
		}
		byTile[tile] = comments
	}
	return byTile, nil
}

func (s *Service) ResolveComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error {
	dashboard, err := s.dashboards.GetDashboard(ctx, dashboardUUID)
	if err != nil {
		return err
	}
	if !s.auth.Can(user, ability.ActionManage, ability.DashboardComments(dashboard.OrganizationUUID, dashboard.ProjectUUID)) {
		return forbidden("")
	}
	if !s.HasDashboardSpaceAccess(ctx, user, dashboard.SpaceUUID) {
		return forbidden(spaceAccessMessage)
	}

	comment, err := s.commentOnDashboard(ctx, commentID, dashboardUUID)
	if err != nil {
		return err
	}
	s.observer.Observe(ctx, s.event(EventResolved, user, dashboard, comment))
	if err := s.store.ResolveComment(ctx, commentID); err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	return nil
}

// DeleteComment removes a comment. Managers can delete any comment, authors
// their own; see OwnerDeletePolicy for what authors get back.
func (s *Service) DeleteComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error {
	dashboard, err := s.dashboards.GetDashboard(ctx, dashboardUUID)
	if err != nil {
		return err
	}
	if !s.HasDashboardSpaceAccess(ctx, user, dashboard.SpaceUUID) {
		return forbidden(spaceAccessMessage)
	}

	canRemoveAnyComment := s.auth.Can(user, ability.ActionManage, ability.DashboardComments(dashboard.OrganizationUUID, dashboard.ProjectUUID))
	comment, err := s.commentOnDashboard(ctx, commentID, dashboardUUID)
	if err != nil {
		return err
	}

	isOwner := comment.UserUUID == user.UserUUID
	if !canRemoveAnyComment && !isOwner {
		return forbidden("")
	}
	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if !canRemoveAnyComment && s.ownerDelete == OwnerDeleteLegacy {
		return forbidden("")
	}

	s.observer.Observe(ctx, s.event(EventDeleted, user, dashboard, comment))
	return nil
}

// commentOnDashboard loads a comment and hides it when it belongs to
// another dashboard, so it is only reachable through its own.
func (s *Service) commentOnDashboard(ctx context.Context, commentID, dashboardUUID string) (Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return Comment{}, err
	}
	if comment.DashboardUUID != dashboardUUID {
		return Comment{}, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	return comment, nil
}

func (s *Service) event(name string, user ability.User, dashboard Dashboard, comment Comment) Event {
	return Event{
		Name:              name,
		UserUUID:          user.UserUUID,
		UserName:          user.Name,
		OrganizationUUID:  dashboard.OrganizationUUID,
		ProjectUUID:       dashboard.ProjectUUID,
		DashboardUUID:     dashboard.UUID,
		DashboardName:     dashboard.Name,
		DashboardTileUUID: comment.DashboardTileUUID,
		CommentID:         comment.CommentID,
		IsReply:           comment.ReplyTo != nil && *comment.ReplyTo != "",
		HasMention:        len(comment.Mentions) > 0,
		IsOwner:           comment.UserUUID == user.UserUUID,
	}
}
