// Package identity derives the stable conversation key for an
// (agent role, project, user) context.
package identity

import (
	"strconv"
	"strings"

	"pmchat/internal/domain"
)

const (
	separator     = ":"
	projectPrefix = "proj-"
	userPrefix    = "user-"
)

// Ref returns a pointer to id, for the optional arguments of DeriveKey.
func Ref(id int64) *int64 { return &id }

// DeriveKey builds the conversation key from ordered, namespaced segments:
// the agent role, then "proj-<id>" and "user-<id>" when present. Absent
// segments are omitted, never zero-filled.
func DeriveKey(role domain.AgentRole, projectID, userID *int64) domain.ConversationKey {
	segments := []string{string(role)}
	if projectID != nil {
		segments = append(segments, projectPrefix+strconv.FormatInt(*projectID, 10))
	}
	if userID != nil {
		segments = append(segments, userPrefix+strconv.FormatInt(*userID, 10))
	}
	return domain.ConversationKey(strings.Join(segments, separator))
}

// Scope is the context a key was derived from.
type Scope struct {
	Role      domain.AgentRole
	ProjectID *int64
	UserID    *int64
}

// ParseKey inverts DeriveKey. ok is false when key was not produced by
// DeriveKey; the role is still reported as the leading segment.
func ParseKey(key domain.ConversationKey) (scope Scope, ok bool) {
	segments := strings.Split(string(key), separator)
	scope.Role = domain.AgentRole(segments[0])
	if scope.Role == "" {
		return scope, false
	}

	rest := segments[1:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], projectPrefix) {
		id, err := strconv.ParseInt(strings.TrimPrefix(rest[0], projectPrefix), 10, 64)
		if err != nil {
			return scope, false
		}
		scope.ProjectID = &id
		rest = rest[1:]
	}
	if len(rest) > 0 && strings.HasPrefix(rest[0], userPrefix) {
		id, err := strconv.ParseInt(strings.TrimPrefix(rest[0], userPrefix), 10, 64)
		if err != nil {
			return scope, false
		}
		scope.UserID = &id
		rest = rest[1:]
	}
	return scope, len(rest) == 0
}
