// Package ability evaluates role grants against (action, subject) pairs.
package ability

type Role string
type Action string
type SubjectType string
type Scope string

const (
	RoleViewer            Role = "viewer"
	RoleInteractiveViewer Role = "interactive_viewer"
	RoleEditor            Role = "editor"
	RoleDeveloper         Role = "developer"
	RoleAdmin             Role = "admin"
)

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionManage implies every other action on the same subject.
	ActionManage Action = "manage"
)

const (
	SubjectDashboardComments SubjectType = "DashboardComments"
	SubjectDashboard         SubjectType = "Dashboard"
	SubjectSavedChart        SubjectType = "SavedChart"
	SubjectSpace             SubjectType = "Space"
	SubjectProject           SubjectType = "Project"
	SubjectOrganization      SubjectType = "Organization"
	// SubjectAll only appears in policy rules, never in a checked subject.
	SubjectAll SubjectType = "all"
)

const (
	ScopeOrganization Scope = "organization"
	ScopeProject      Scope = "project"
)

var knownRoles = map[Role]struct{}{
	RoleViewer:            {},
	RoleInteractiveViewer: {},
	RoleEditor:            {},
	RoleDeveloper:         {},
	RoleAdmin:             {},
}

var knownActions = map[Action]struct{}{
	ActionView:   {},
	ActionCreate: {},
	ActionUpdate: {},
	ActionDelete: {},
	ActionManage: {},
}

var knownSubjects = map[SubjectType]struct{}{
	SubjectDashboardComments: {},
	SubjectDashboard:         {},
	SubjectSavedChart:        {},
	SubjectSpace:             {},
	SubjectProject:           {},
	SubjectOrganization:      {},
	SubjectAll:               {},
}

// Subject is the resource an action is checked against, with the attributes
// grants are scoped by.
type Subject struct {
	Type             SubjectType
	OrganizationUUID string
	ProjectUUID      string
}

func DashboardComments(organizationUUID, projectUUID string) Subject {
	return Subject{Type: SubjectDashboardComments, OrganizationUUID: organizationUUID, ProjectUUID: projectUUID}
}

func Project(organizationUUID, projectUUID string) Subject {
	return Subject{Type: SubjectProject, OrganizationUUID: organizationUUID, ProjectUUID: projectUUID}
}

func Space(organizationUUID, projectUUID string) Subject {
	return Subject{Type: SubjectSpace, OrganizationUUID: organizationUUID, ProjectUUID: projectUUID}
}

// Grant gives a role to a user over one organization or one project.
type Grant struct {
	Scope     Scope
	ScopeUUID string
	Role      Role
}

// User is the acting identity for a single request.
type User struct {
	UserUUID         string
	OrganizationUUID string
	Name             string
	Email            string
	Grants           []Grant
}

// covers reports whether the grant applies to the subject. Organization
// grants only count for members of that organization.
func (g Grant) covers(user User, subject Subject) bool {
	switch g.Scope {
	case ScopeOrganization:
		return g.ScopeUUID != "" && g.ScopeUUID == subject.OrganizationUUID && g.ScopeUUID == user.OrganizationUUID
	case ScopeProject:
		return g.ScopeUUID != "" && g.ScopeUUID == subject.ProjectUUID
	default:
		return false
	}
}

// ParseRole reports whether role names one of the known roles.
func ParseRole(role string) (Role, bool) {
	_, ok := knownRoles[Role(role)]
	return Role(role), ok
}

// Normalize maps unknown role names to viewer.
func Normalize(role string) Role {
	if _, ok := knownRoles[Role(role)]; ok {
		return Role(role)
	}
	return RoleViewer
}
