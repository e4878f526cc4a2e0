package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmchat/internal/domain"
)

func TestRouter_DefaultEndpoints(t *testing.T) {
	r := NewRouter(DefaultEndpoints())

	ep, err := r.Endpoint(domain.RoleProductOwner)
	require.NoError(t, err)
	assert.Equal(t, "/api/chat/product-owner", ep)

	assert.Equal(t, []domain.AgentRole{domain.RoleDeveloper, domain.RoleProductOwner, domain.RoleScrumMaster}, r.Roles())
}

func TestRouter_UnmappedRoleIsConfigurationError(t *testing.T) {
	r := NewRouter(map[domain.AgentRole]string{domain.RoleDeveloper: "/api/chat/developer"})

	_, err := r.Endpoint("stakeholder")
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, domain.AgentRole("stakeholder"), cfgErr.Role)
}

func TestRouter_CopiesInput(t *testing.T) {
	endpoints := DefaultEndpoints()
	r := NewRouter(endpoints)
	delete(endpoints, domain.RoleDeveloper)

	_, err := r.Endpoint(domain.RoleDeveloper)
	assert.NoError(t, err)
}
