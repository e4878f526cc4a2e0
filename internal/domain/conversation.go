package domain

// AgentRole names one of the assistant personas. Roles partition conversations
// and select the completion endpoint.
type AgentRole string

const (
	RoleProductOwner AgentRole = "product-owner"
	RoleScrumMaster  AgentRole = "scrum-master"
	RoleDeveloper    AgentRole = "developer"
)

// KnownRoles lists the built-in personas in display order.
func KnownRoles() []AgentRole {
	return []AgentRole{RoleProductOwner, RoleScrumMaster, RoleDeveloper}
}

// ConversationKey is the stable identity of a conversation. Treat it as opaque;
// only the identity package builds and parses it.
type ConversationKey string

func (k ConversationKey) String() string { return string(k) }

// Conversation is the locally cached state of one chat thread.
type Conversation struct {
	Key       ConversationKey `json:"key"`
	Role      AgentRole       `json:"agent_role"`
	ProjectID *int64          `json:"project_id,omitempty"`
	Title     string          `json:"title,omitempty"`
	Messages  []Message       `json:"messages"`
}

// Clone returns a deep copy so callers never share backing arrays with the cache.
func (c Conversation) Clone() Conversation {
	out := c
	if c.ProjectID != nil {
		id := *c.ProjectID
		out.ProjectID = &id
	}
	out.Messages = CloneMessages(c.Messages)
	return out
}
