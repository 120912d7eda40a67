// Package domain defines the core domain models for sessiond.
package domain

import (
	"fmt"
	"strings"
)

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusExpired SessionStatus = "expired"
	SessionStatusDeleted SessionStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusExpired, SessionStatusDeleted:
		return true
	}
	return false
}

// MessageRole represents who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Valid reports whether r is a known role.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ResourceType is the kind of resource an access grant refers to.
type ResourceType string

const (
	ResourceSession   ResourceType = "session"
	ResourceAgent     ResourceType = "agent"
	ResourceModel     ResourceType = "model"
	ResourceTool      ResourceType = "tool"
	ResourceDataset   ResourceType = "dataset"
	ResourceFile      ResourceType = "file"
	ResourceWorkspace ResourceType = "workspace"
	ResourceProject   ResourceType = "project"
	ResourceTeam      ResourceType = "team"
	ResourceCustom    ResourceType = "custom"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceSession, ResourceAgent, ResourceModel, ResourceTool, ResourceDataset,
		ResourceFile, ResourceWorkspace, ResourceProject, ResourceTeam, ResourceCustom:
		return true
	}
	return false
}

// AccessLevel is an ordered access level: none < read < read-write < owner < admin.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessReadWrite
	AccessOwner
	AccessAdmin
)

var accessLevelNames = map[AccessLevel]string{
	AccessNone:      "none",
	AccessRead:      "read",
	AccessReadWrite: "read-write",
	AccessOwner:     "owner",
	AccessAdmin:     "admin",
}

// String returns the wire name of the level.
func (l AccessLevel) String() string {
	if name, ok := accessLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the defined levels.
func (l AccessLevel) Valid() bool {
	_, ok := accessLevelNames[l]
	return ok
}

// Satisfies reports whether l is at least required.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	return l >= required
}

// ParseAccessLevel parses a level name. "write" and "rw" are accepted as
// aliases of read-write.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return AccessNone, nil
	case "read":
		return AccessRead, nil
	case "read-write", "read_write", "write", "rw":
		return AccessReadWrite, nil
	case "owner":
		return AccessOwner, nil
	case "admin":
		return AccessAdmin, nil
	}
	return AccessNone, fmt.Errorf("%w: unknown access level %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler.
func (l AccessLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid access level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *AccessLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseAccessLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
