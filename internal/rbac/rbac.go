// Package rbac decides what each bid member may do.
package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleReviewer Role = "reviewer"
	RoleWriter   Role = "writer"
	RoleOwner    Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionReview  Action = "review"
	ActionExport  Action = "export"
	ActionManage  Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleWriter:
		return action == ActionRead || action == ActionComment || action == ActionWrite || action == ActionExport
	case RoleReviewer:
		return action == ActionRead || action == ActionComment || action == ActionReview || action == ActionExport
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps unknown roles to the empty role, which may do nothing.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleReviewer, RoleWriter, RoleOwner:
		return Role(role)
	default:
		return ""
	}
}
