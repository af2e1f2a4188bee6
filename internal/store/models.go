package store

import (
	"time"

	"beacon/api/internal/ability"
)

type User struct {
	UserUUID         string
	OrganizationUUID string
	Name             string
	Email            string
	PasswordHash     string
	CreatedAt        time.Time
}

// Membership is one role row from organization_memberships or
// project_memberships.
type Membership struct {
	Scope     ability.Scope
	ScopeUUID string
	Role      string
}

// ProjectMember is an explicit project_memberships row joined with its user.
type ProjectMember struct {
	ProjectUUID string
	UserUUID    string
	Name        string
	Email       string
	Role        string
}

type Organization struct {
	OrganizationUUID string
	Name             string
	CreatedAt        time.Time
}

type Project struct {
	ProjectUUID      string
	OrganizationUUID string
	Name             string
	CreatedAt        time.Time
}

type SavedChart struct {
	SavedChartUUID string
	ProjectUUID    string
	SpaceUUID      string
	Name           string
	Description    string
	ChartKind      string
	UpdatedAt      time.Time
}

type DashboardSummary struct {
	DashboardUUID string
	ProjectUUID   string
	SpaceUUID     string
	Name          string
	Description   string
	UpdatedAt     time.Time
}

type DashboardTile struct {
	DashboardTileUUID string
	DashboardUUID     string
	SavedChartUUID    *string
	Title             string
}

// Seed describes the demo content written by SeedOrganization.
type Seed struct {
	Organization Organization
	Admin        User
	Project      Project
	SpaceUUID    string
	SpaceName    string
	Charts       []SavedChart
	Dashboard    DashboardSummary
	Tiles        []DashboardTile
}
