// Package cache holds the in-memory conversation table that the rendering
// layer reads from. Every operation is atomic; sequences of operations are not.
package cache

import (
	"log/slog"
	"sync"

	"pmchat/internal/bus"
	"pmchat/internal/domain"
	"pmchat/internal/identity"
)

type entry struct {
	conv domain.Conversation
	rev  uint64
}

// Cache maps conversation keys to conversations. There is exactly one entry
// per key. Each entry carries a revision that every mutation increments, so a
// writer that read the revision before suspending can detect that it lost a
// race.
type Cache struct {
	mu      sync.RWMutex
	entries map[domain.ConversationKey]*entry
	events  *bus.EventBus
	logger  *slog.Logger
}

// New creates an empty cache. events may be nil.
func New(events *bus.EventBus, logger *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[domain.ConversationKey]*entry),
		events:  events,
		logger:  logger,
	}
}

// Get returns a snapshot of the conversation for key, registering an empty
// one first if the key is unseen.
func (c *Cache) Get(key domain.ConversationKey) domain.Conversation {
	c.mu.RLock()
	e, ok := c.entries[key]
	if ok {
		conv := e.conv.Clone()
		c.mu.RUnlock()
		return conv
	}
	c.mu.RUnlock()

	c.mu.Lock()
	e, created := c.getOrCreateLocked(key)
	conv := e.conv.Clone()
	c.mu.Unlock()

	if created {
		c.emit(bus.EventConversationCreated, key, nil)
	}
	return conv
}

// Revision reports the mutation count of key, or 0 if it is unseen.
func (c *Cache) Revision(key domain.ConversationKey) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[key]; ok {
		return e.rev
	}
	return 0
}

// ReplaceMessages overwrites the message sequence of key and, when title is
// non-nil, its title.
func (c *Cache) ReplaceMessages(key domain.ConversationKey, msgs []domain.Message, title *string) {
	c.mu.Lock()
	e, created := c.getOrCreateLocked(key)
	c.replaceLocked(e, msgs, title)
	count := len(e.conv.Messages)
	c.mu.Unlock()

	if created {
		c.emit(bus.EventConversationCreated, key, nil)
	}
	c.emit(bus.EventConversationReplaced, key, map[string]any{"messages": count})
}

// ReplaceMessagesAt is ReplaceMessages guarded by a revision check: it applies
// only if key is still at rev and reports whether it did.
func (c *Cache) ReplaceMessagesAt(key domain.ConversationKey, rev uint64, msgs []domain.Message, title *string) bool {
	c.mu.Lock()
	e, created := c.getOrCreateLocked(key)
	if e.rev != rev {
		current := e.rev
		c.mu.Unlock()
		c.logger.Debug("discarding stale replace", "key", key, "rev", rev, "current", current)
		return false
	}
	c.replaceLocked(e, msgs, title)
	count := len(e.conv.Messages)
	c.mu.Unlock()

	if created {
		c.emit(bus.EventConversationCreated, key, nil)
	}
	c.emit(bus.EventConversationReplaced, key, map[string]any{"messages": count})
	return true
}

// AppendMessage adds msg to the end of key's sequence, creating the
// conversation if needed. It returns the new revision.
func (c *Cache) AppendMessage(key domain.ConversationKey, msg domain.Message) uint64 {
	c.mu.Lock()
	e, created := c.getOrCreateLocked(key)
	e.conv.Messages = append(e.conv.Messages, domain.CloneMessages([]domain.Message{msg})...)
	e.rev++
	rev := e.rev
	c.mu.Unlock()

	if created {
		c.emit(bus.EventConversationCreated, key, nil)
	}
	c.emit(bus.EventConversationAppended, key, map[string]any{"id": msg.ID, "role": string(msg.Role)})
	return rev
}

// Len returns the number of conversations held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys lists the cached conversation keys in no particular order.
func (c *Cache) Keys() []domain.ConversationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]domain.ConversationKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache) getOrCreateLocked(key domain.ConversationKey) (*entry, bool) {
	if e, ok := c.entries[key]; ok {
		return e, false
	}
	scope, ok := identity.ParseKey(key)
	if !ok {
		c.logger.Warn("conversation key not derived by identity.DeriveKey", "key", key)
	}
	e := &entry{conv: domain.Conversation{
		Key:       key,
		Role:      scope.Role,
		ProjectID: scope.ProjectID,
		Messages:  []domain.Message{},
	}}
	c.entries[key] = e
	return e, true
}

func (c *Cache) replaceLocked(e *entry, msgs []domain.Message, title *string) {
	replaced := domain.CloneMessages(msgs)
	if replaced == nil {
		replaced = []domain.Message{}
	}
	e.conv.Messages = replaced
	if title != nil {
		e.conv.Title = *title
	}
	e.rev++
}

func (c *Cache) emit(eventType string, key domain.ConversationKey, payload map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Emit(bus.Event{Type: eventType, Key: string(key), Payload: payload})
}
