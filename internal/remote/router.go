package remote

import (
	"maps"
	"slices"

	"pmchat/internal/domain"
)

// DefaultEndpoints maps every built-in role to /api/chat/<role>.
func DefaultEndpoints() map[domain.AgentRole]string {
	out := make(map[domain.AgentRole]string)
	for _, r := range domain.KnownRoles() {
		out[r] = "/api/chat/" + string(r)
	}
	return out
}

// Router resolves the completion endpoint of an agent role. Unmapped roles
// are a configuration error; there is no fallback endpoint.
type Router struct {
	endpoints map[domain.AgentRole]string
}

// NewRouter copies endpoints into a Router.
func NewRouter(endpoints map[domain.AgentRole]string) *Router {
	return &Router{endpoints: maps.Clone(endpoints)}
}

// Endpoint returns the path for role or a *domain.ConfigurationError.
func (r *Router) Endpoint(role domain.AgentRole) (string, error) {
	ep, ok := r.endpoints[role]
	if !ok || ep == "" {
		return "", &domain.ConfigurationError{Role: role}
	}
	return ep, nil
}

// Roles lists the routed roles, sorted.
func (r *Router) Roles() []domain.AgentRole {
	return slices.Sorted(maps.Keys(r.endpoints))
}
