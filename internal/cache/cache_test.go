package cache

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmchat/internal/bus"
	"pmchat/internal/domain"
	"pmchat/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func textMessage(id string, role domain.MessageRole, text string) domain.Message {
	return domain.Message{ID: id, Role: role, Parts: []domain.Part{domain.TextPart(text)}}
}

func TestGet_CreatesEmptyConversationFromKey(t *testing.T) {
	c := New(nil, testLogger())
	key := identity.DeriveKey(domain.RoleProductOwner, identity.Ref(42), identity.Ref(9))

	conv := c.Get(key)

	assert.Equal(t, key, conv.Key)
	assert.Equal(t, domain.RoleProductOwner, conv.Role)
	require.NotNil(t, conv.ProjectID)
	assert.Equal(t, int64(42), *conv.ProjectID)
	assert.Empty(t, conv.Messages)
	assert.NotNil(t, conv.Messages)
	assert.Equal(t, 1, c.Len())

	c.Get(key)
	assert.Equal(t, 1, c.Len(), "second Get must not add an entry")
}

func TestAppendMessage_UnseenKeyCreatesOneConversation(t *testing.T) {
	c := New(nil, testLogger())
	key := identity.DeriveKey(domain.RoleDeveloper, nil, identity.Ref(1))

	c.AppendMessage(key, textMessage("m1", domain.MessageAssistant, "hello"))

	assert.Equal(t, 1, c.Len())
	conv := c.Get(key)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Text())
}

func TestReplaceMessages_OverwritesAndSetsTitle(t *testing.T) {
	c := New(nil, testLogger())
	key := identity.DeriveKey(domain.RoleScrumMaster, identity.Ref(7), nil)
	c.AppendMessage(key, textMessage("old", domain.MessageUser, "old"))

	title := "Sprint review"
	c.ReplaceMessages(key, []domain.Message{
		textMessage("a", domain.MessageUser, "one"),
		textMessage("b", domain.MessageAssistant, "two"),
	}, &title)

	conv := c.Get(key)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "a", conv.Messages[0].ID)
	assert.Equal(t, "b", conv.Messages[1].ID)
	assert.Equal(t, "Sprint review", conv.Title)

	c.ReplaceMessages(key, nil, nil)
	conv = c.Get(key)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, "Sprint review", conv.Title, "nil title keeps the previous one")
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	c := New(nil, testLogger())
	key := identity.DeriveKey(domain.RoleDeveloper, nil, nil)
	c.AppendMessage(key, textMessage("m1", domain.MessageUser, "original"))

	conv := c.Get(key)
	conv.Messages[0].Parts[0].Text = "mutated"
	conv.Messages = append(conv.Messages, textMessage("m2", domain.MessageUser, "x"))

	again := c.Get(key)
	require.Len(t, again.Messages, 1)
	assert.Equal(t, "original", again.Messages[0].Text())
}

func TestReplaceMessagesAt_RejectsStaleRevision(t *testing.T) {
	c := New(nil, testLogger())
	key := identity.DeriveKey(domain.RoleDeveloper, identity.Ref(2), nil)

	rev := c.Revision(key)
	c.AppendMessage(key, textMessage("late", domain.MessageAssistant, "newer"))

	applied := c.ReplaceMessagesAt(key, rev, []domain.Message{}, nil)
	assert.False(t, applied)
	require.Len(t, c.Get(key).Messages, 1)

	applied = c.ReplaceMessagesAt(key, c.Revision(key), []domain.Message{
		textMessage("x", domain.MessageUser, "a"),
		textMessage("y", domain.MessageAssistant, "b"),
	}, nil)
	assert.True(t, applied)
	assert.Len(t, c.Get(key).Messages, 2)
}

func TestRevision_IncrementsOnEveryMutation(t *testing.T) {
	c := New(nil, testLogger())
	key := identity.DeriveKey(domain.RoleDeveloper, nil, nil)

	assert.Equal(t, uint64(0), c.Revision(key))
	c.Get(key)
	assert.Equal(t, uint64(0), c.Revision(key), "Get does not mutate")
	c.AppendMessage(key, textMessage("1", domain.MessageUser, "a"))
	c.ReplaceMessages(key, nil, nil)
	assert.Equal(t, uint64(2), c.Revision(key))
}

func TestCache_EmitsEvents(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	c := New(events, testLogger())
	key := identity.DeriveKey(domain.RoleDeveloper, nil, nil)

	var types []string
	events.On("*", func(e bus.Event) {
		assert.Equal(t, string(key), e.Key)
		types = append(types, e.Type)
	})

	c.AppendMessage(key, textMessage("1", domain.MessageAssistant, "a"))
	c.ReplaceMessages(key, nil, nil)

	assert.Equal(t, []string{
		bus.EventConversationCreated,
		bus.EventConversationAppended,
		bus.EventConversationReplaced,
	}, types)
}

func TestCache_ConcurrentAccessKeepsOneEntryPerKey(t *testing.T) {
	c := New(nil, testLogger())
	key := identity.DeriveKey(domain.RoleScrumMaster, identity.Ref(1), identity.Ref(1))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get(key)
			c.AppendMessage(key, textMessage("m", domain.MessageAssistant, "x"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.Len())
	assert.Len(t, c.Get(key).Messages, 50)
	assert.Equal(t, uint64(50), c.Revision(key))
}
