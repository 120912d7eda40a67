package domain

import (
	"strings"
	"time"
)

// Principal is the identity issuing a request. Roles are supplied per
// request by the caller and are never persisted.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// Well-known role labels.
const (
	PrincipalGuest     = "guest"
	PrincipalUser      = "user"
	PrincipalPowerUser = "power_user"
	PrincipalAdmin     = "admin"
	PrincipalSystem    = "system"
)

// HasRole reports whether p carries role (case-insensitive).
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsOperator reports whether p carries the admin or system role.
func (p Principal) IsOperator() bool {
	return p.HasRole(PrincipalAdmin) || p.HasRole(PrincipalSystem)
}

// ParseRoles splits a comma separated role list.
func ParseRoles(s string) []string {
	var roles []string
	for _, part := range strings.Split(s, ",") {
		if r := strings.TrimSpace(part); r != "" {
			roles = append(roles, strings.ToLower(r))
		}
	}
	return roles
}

// Grant binds a principal to a resource with an access level.
type Grant struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Grantee      string       `json:"grantee"`
	Level        AccessLevel  `json:"level"`
	GrantedBy    string       `json:"granted_by"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// OwnerRecord names the single owner of a resource.
type OwnerRecord struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Owner        string       `json:"owner"`
	CreatedAt    time.Time    `json:"created_at"`
}
