package domain

import (
	"context"
	"io"
)

// ConversationMeta is the registration record upserted before every send.
type ConversationMeta struct {
	Key       ConversationKey
	Role      AgentRole
	ProjectID *int64
	Title     string
}

// History is a conversation's persisted state as reported by the remote store.
type History struct {
	Messages []Message
	Title    string
}

// RemoteStore is the durable conversation store behind the engine.
type RemoteStore interface {
	// History returns ErrNotFound when the key has never been persisted.
	History(ctx context.Context, key ConversationKey) (*History, error)
	// UpsertConversation is idempotent by key.
	UpsertConversation(ctx context.Context, meta ConversationMeta) error
}

// ChatRequest is the body of one streaming completion call.
type ChatRequest struct {
	Key       ConversationKey
	Message   Message
	ProjectID *int64
	Model     string
	WebSearch bool
}

// Completer opens a streaming completion at endpoint. The returned body is
// unread; the caller owns it.
type Completer interface {
	Stream(ctx context.Context, endpoint string, req ChatRequest) (io.ReadCloser, error)
}
