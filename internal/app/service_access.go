package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"beacon/api/internal/ability"
	"beacon/api/internal/store"
)

// ProjectAccessInput grants an organization member a role on a project.
type ProjectAccessInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// manageProject loads the project and requires manage rights on it.
func (s *Service) manageProject(ctx context.Context, user ability.User, projectUUID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectUUID)
	if err != nil {
		return store.Project{}, err
	}
	if !s.auth.Can(user, ability.ActionManage, ability.Project(project.OrganizationUUID, project.ProjectUUID)) {
		return store.Project{}, forbiddenError()
	}
	return project, nil
}

func parseRole(raw string) (ability.Role, error) {
	role, ok := ability.ParseRole(strings.TrimSpace(raw))
	if !ok {
		return "", validationError(fmt.Sprintf("unknown role %q", raw))
	}
	return role, nil
}

// ListProjectAccess lists users with an explicit project role. Users who only
// hold an organization role are not listed.
func (s *Service) ListProjectAccess(ctx context.Context, user ability.User, projectUUID string) ([]map[string]any, error) {
	project, err := s.GetProject(ctx, user, projectUUID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListProjectMembers(ctx, project.ProjectUUID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(members))
	for _, member := range members {
		payload = append(payload, memberPayload(member))
	}
	return payload, nil
}

func (s *Service) GetProjectMemberAccess(ctx context.Context, user ability.User, projectUUID, userUUID string) (map[string]any, error) {
	project, err := s.GetProject(ctx, user, projectUUID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.GetProjectMember(ctx, project.ProjectUUID, userUUID)
	if err != nil {
		return nil, err
	}
	return memberPayload(member), nil
}

func (s *Service) GrantProjectAccess(ctx context.Context, user ability.User, projectUUID string, input ProjectAccessInput) error {
	email := strings.TrimSpace(input.Email)
	if email == "" {
		return validationError("email is required")
	}
	role, err := parseRole(input.Role)
	if err != nil {
		return err
	}
	project, err := s.manageProject(ctx, user, projectUUID)
	if err != nil {
		return err
	}

	grantee, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	// Users of other organizations are reported as missing.
	if grantee.OrganizationUUID != project.OrganizationUUID {
		return fmt.Errorf("user %s: %w", grantee.UserUUID, store.ErrNotFound)
	}
	if err := s.store.CreateProjectMember(ctx, project.ProjectUUID, grantee.UserUUID, string(role)); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return domainError(http.StatusConflict, "ALREADY_EXISTS", "User already has access to this project", nil)
		}
		return err
	}
	s.logger.InfoContext(ctx, "project access granted",
		"project_uuid", project.ProjectUUID,
		"user_uuid", grantee.UserUUID,
		"role", role,
		"granted_by", user.UserUUID,
	)
	return nil
}

func (s *Service) UpdateProjectAccess(ctx context.Context, user ability.User, projectUUID, userUUID, rawRole string) error {
	role, err := parseRole(rawRole)
	if err != nil {
		return err
	}
	project, err := s.manageProject(ctx, user, projectUUID)
	if err != nil {
		return err
	}
	return s.store.UpdateProjectMember(ctx, project.ProjectUUID, userUUID, string(role))
}

func (s *Service) RevokeProjectAccess(ctx context.Context, user ability.User, projectUUID, userUUID string) error {
	project, err := s.manageProject(ctx, user, projectUUID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProjectMember(ctx, project.ProjectUUID, userUUID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "project access revoked",
		"project_uuid", project.ProjectUUID,
		"user_uuid", userUUID,
		"revoked_by", user.UserUUID,
	)
	return nil
}

func memberPayload(member store.ProjectMember) map[string]any {
	return map[string]any{
		"projectUuid": member.ProjectUUID,
		"userUuid":    member.UserUUID,
		"name":        member.Name,
		"email":       member.Email,
		"role":        member.Role,
	}
}
