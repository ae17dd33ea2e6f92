package auth

import (
	"fmt"
	"strings"

	"apjsurvey/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Role       Role
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required; role %s does not grant it", e.Permission, e.Role)
}

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSurveyor Role = "surveyor"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleSurveyor:
		return RoleSurveyor, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

const (
	PermTaskManage     = "task.manage"
	PermTaskRead       = "task.read"
	PermTaskProgress   = "task.progress"
	PermSurveySubmit   = "survey.submit"
	PermSurveyRead     = "survey.read"
	PermSurveyReview   = "survey.review"
	PermSurveyEdit     = "survey.edit"
	PermSurveyDelete   = "survey.delete"
	PermTrackingUse    = "tracking.use"
	PermTrackingRead   = "tracking.read"
	PermPointsComplete = "points.complete"
	PermPointsRead     = "points.read"
)

var rolePermissions = map[Role][]string{
	RoleAdmin: {
		PermTaskManage, PermTaskRead, PermTaskProgress,
		PermSurveyRead, PermSurveyReview, PermSurveyEdit, PermSurveyDelete,
		PermTrackingRead, PermPointsRead,
	},
	RoleSurveyor: {
		PermTaskRead, PermTaskProgress,
		PermSurveySubmit, PermSurveyRead,
		PermTrackingUse, PermTrackingRead,
		PermPointsComplete, PermPointsRead,
	},
}

// Permissions returns the permissions granted to role.
func Permissions(role Role) []string {
	return append([]string(nil), rolePermissions[role]...)
}

// Principal is the authenticated caller.
type Principal struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

func (p Principal) Admin() domain.Admin {
	return domain.Admin{ID: p.ID, Name: p.Name, Email: p.Email}
}

func (p Principal) Surveyor() domain.Surveyor {
	return domain.Surveyor{ID: p.ID, Name: p.Name, Email: p.Email}
}

func (p Principal) Can(perm string) bool {
	for _, granted := range rolePermissions[p.Role] {
		if granted == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless p holds perm.
func Require(p Principal, perm string) error {
	if p.Can(perm) {
		return nil
	}
	return ForbiddenError{Permission: perm, Role: p.Role}
}
