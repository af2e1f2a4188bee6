package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const projectMemberColumns = `m.project_uuid::text, u.user_uuid::text, u.name, u.email, m.role`

func scanProjectMember(row rowScanner) (ProjectMember, error) {
	var m ProjectMember
	err := row.Scan(&m.ProjectUUID, &m.UserUUID, &m.Name, &m.Email, &m.Role)
	return m, err
}

// ListProjectMembers returns users with an explicit role on the project.
// Organization-wide roles are not included.
func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectUUID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectMemberColumns+`
		FROM project_memberships m
		JOIN users u ON u.user_uuid = m.user_uuid
		WHERE m.project_uuid = $1
		ORDER BY u.name, u.email
	`, projectUUID)
	if err != nil {
		return nil, notFound(err, "list project members %s", projectUUID)
	}
	defer rows.Close()

	members := make([]ProjectMember, 0)
	for rows.Next() {
		m, err := scanProjectMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) GetProjectMember(ctx context.Context, projectUUID, userUUID string) (ProjectMember, error) {
	m, err := scanProjectMember(s.db.QueryRowContext(ctx, `
		SELECT `+projectMemberColumns+`
		FROM project_memberships m
		JOIN users u ON u.user_uuid = m.user_uuid
		WHERE m.project_uuid = $1 AND m.user_uuid = $2
	`, projectUUID, userUUID))
	if err != nil {
		return ProjectMember{}, notFound(err, "get project member %s", userUUID)
	}
	return m, nil
}

func (s *PostgresStore) CreateProjectMember(ctx context.Context, projectUUID, userUUID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_memberships (project_uuid, user_uuid, role) VALUES ($1, $2, $3)
	`, projectUUID, userUUID, role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case uniqueViolation:
				return fmt.Errorf("project member %s: %w", userUUID, ErrAlreadyExists)
			case foreignKeyViolation, invalidTextRepresentation:
				return fmt.Errorf("project member %s: %w", userUUID, ErrNotFound)
			}
		}
		return fmt.Errorf("create project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProjectMember(ctx context.Context, projectUUID, userUUID, role string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_memberships SET role=$3 WHERE project_uuid=$1 AND user_uuid=$2
	`, projectUUID, userUUID, role)
	return affectedOne(res, err, "update project member %s", userUUID)
}

func (s *PostgresStore) DeleteProjectMember(ctx context.Context, projectUUID, userUUID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM project_memberships WHERE project_uuid=$1 AND user_uuid=$2
	`, projectUUID, userUUID)
	return affectedOne(res, err, "delete project member %s", userUUID)
}

// affectedOne turns a write that touched no rows into ErrNotFound.
func affectedOne(res sql.Result, err error, format string, args ...any) error {
	if err != nil {
		return notFound(err, format, args...)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return nil
}
