package chatsync

import (
	"context"
	"errors"

	"pmchat/internal/bus"
	"pmchat/internal/domain"
	"pmchat/internal/metrics"
)

// Load fetches key's history from the remote store and installs it in the
// cache, then notifies history observers.
//
// A conversation the store has never seen loads as an empty sequence without
// touching the cache or the error state. Other failures are recorded for key
// and returned, leaving the cache as it was. If the cache was written while
// the request was in flight, the fetched history is stale: it is dropped and
// the current cached sequence is returned instead. A canceled ctx yields
// (nil, nil).
func (e *Engine) Load(ctx context.Context, key domain.ConversationKey) ([]domain.Message, error) {
	e.cache.Get(key)
	rev := e.cache.Revision(key)
	metrics.HistoryLoads.Inc()

	history, err := e.store.History(ctx, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		e.logger.Debug("no remote history", "key", key)
		e.setErr(key, nil)
		return []domain.Message{}, nil
	case err != nil && canceled(ctx, err):
		return nil, nil
	case err != nil:
		metrics.HistoryFailures.Inc()
		return nil, e.fail(key, "history load failed", err)
	}

	var title *string
	if history.Title != "" {
		title = &history.Title
	}
	if !e.cache.ReplaceMessagesAt(key, rev, history.Messages, title) {
		e.logger.Debug("history superseded by a newer local write", "key", key)
		return e.cache.Get(key).Messages, nil
	}
	e.setErr(key, nil)

	msgs := e.cache.Get(key).Messages
	e.events.Emit(bus.Event{
		Type:    bus.EventHistoryLoaded,
		Key:     string(key),
		Payload: map[string]any{"messages": msgs},
	})
	e.logger.Debug("history loaded", "key", key, "messages", len(msgs))
	return domain.CloneMessages(msgs), nil
}
