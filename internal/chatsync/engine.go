// Package chatsync keeps locally cached conversations in step with the remote
// conversation store and drives streaming sends.
//
// An Engine owns one Cache. Load reconciles a conversation with the store,
// Send registers the conversation remotely and opens a completion stream, and
// Complete (or AppendAssistant) records the assistant reply once the stream
// has been drained. Failures are returned and also kept per conversation for
// display via Err; cancellation is never treated as a failure.
package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"pmchat/internal/bus"
	"pmchat/internal/cache"
	"pmchat/internal/domain"
	"pmchat/internal/identity"
	"pmchat/internal/multimodal"
	"pmchat/internal/remote"
)

// AttachmentEncoder converts attachments into inline parts.
type AttachmentEncoder interface {
	Encode(ctx context.Context, files []multimodal.File) ([]domain.Part, error)
}

// Config wires an Engine. Store, Completer and Router are required.
type Config struct {
	Store     domain.RemoteStore
	Completer domain.Completer
	Router    *remote.Router
	Encoder   AttachmentEncoder // optional, defaults to multimodal.NewEncoder
	Cache     *cache.Cache      // optional, a private cache is created
	Events    *bus.EventBus     // optional, a private bus is created
	Logger    *slog.Logger
}

// Engine is the conversation synchronization engine. It is safe for
// concurrent use; each operation on the cache is atomic but a Load racing a
// Send or Complete on the same key is resolved by revision, not by order.
type Engine struct {
	store     domain.RemoteStore
	completer domain.Completer
	router    *remote.Router
	encoder   AttachmentEncoder
	cache     *cache.Cache
	events    *bus.EventBus
	logger    *slog.Logger

	errMu sync.RWMutex
	errs  map[domain.ConversationKey]error
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewEventBus(cfg.Logger)
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cfg.Events, cfg.Logger)
	}
	if cfg.Encoder == nil {
		cfg.Encoder = multimodal.NewEncoder(multimodal.EncoderConfig{Logger: cfg.Logger})
	}
	return &Engine{
		store:     cfg.Store,
		completer: cfg.Completer,
		router:    cfg.Router,
		encoder:   cfg.Encoder,
		cache:     cfg.Cache,
		events:    cfg.Events,
		logger:    cfg.Logger,
		errs:      make(map[domain.ConversationKey]error),
	}
}

// Open derives the key for a context and returns its cached conversation.
func (e *Engine) Open(role domain.AgentRole, projectID, userID *int64) domain.Conversation {
	return e.cache.Get(identity.DeriveKey(role, projectID, userID))
}

// Conversation returns a snapshot of the cached conversation for key.
func (e *Engine) Conversation(key domain.ConversationKey) domain.Conversation {
	return e.cache.Get(key)
}

// Cache exposes the engine's cache to the rendering layer.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Events exposes the engine's event bus.
func (e *Engine) Events() *bus.EventBus { return e.events }

// Err returns the last failure recorded for key, or nil.
func (e *Engine) Err(key domain.ConversationKey) error {
	e.errMu.RLock()
	defer e.errMu.RUnlock()
	return e.errs[key]
}

// HistoryObserver is called after a successful reconciliation with the full
// message sequence of the conversation.
type HistoryObserver func(key domain.ConversationKey, msgs []domain.Message)

// OnHistory registers fn and returns a function that unregisters it.
func (e *Engine) OnHistory(fn HistoryObserver) (unsubscribe func()) {
	id := e.events.On(bus.EventHistoryLoaded, func(ev bus.Event) {
		msgs, _ := ev.Payload["messages"].([]domain.Message)
		fn(domain.ConversationKey(ev.Key), domain.CloneMessages(msgs))
	})
	return func() { e.events.Off(bus.EventHistoryLoaded, id) }
}

func (e *Engine) setErr(key domain.ConversationKey, err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if err == nil {
		delete(e.errs, key)
		return
	}
	e.errs[key] = err
}

// fail records err for key, logs it and returns it.
func (e *Engine) fail(key domain.ConversationKey, msg string, err error) error {
	e.setErr(key, err)
	attrs := []any{"key", key, "err", err}
	var reqErr *domain.RequestFailedError
	if errors.As(err, &reqErr) {
		attrs = append(attrs, "status", reqErr.StatusCode)
	}
	e.logger.Warn(msg, attrs...)
	return err
}

// canceled reports whether err is the caller abandoning the operation.
func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}
