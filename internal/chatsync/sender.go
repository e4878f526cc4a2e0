package chatsync

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"pmchat/internal/bus"
	"pmchat/internal/domain"
	"pmchat/internal/metrics"
	"pmchat/internal/multimodal"
)

// SendRequest is one user turn.
type SendRequest struct {
	Key       domain.ConversationKey
	Text      string
	Files     []multimodal.File
	Model     string // optional model hint forwarded to the endpoint
	WebSearch bool
}

// Send registers the conversation with the remote store, builds the user
// message and opens a completion stream for it. The stream is returned
// unread; the caller must drain or Close it.
//
// The user message is not added to the cache: the completion endpoint
// persists it, so a retried send cannot duplicate it locally. Attachment
// failures are logged and the message goes out text-only. Any other failure
// is recorded for the key and returned. A canceled ctx yields (nil, nil), and
// canceling ctx later aborts the returned stream.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*StreamHandle, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		metrics.SendFailures.Inc()
		return nil, e.fail(req.Key, "send rejected", domain.ErrEmptyMessage)
	}

	conv := e.cache.Get(req.Key)
	endpoint, err := e.router.Endpoint(conv.Role)
	if err != nil {
		metrics.SendFailures.Inc()
		return nil, e.fail(req.Key, "send rejected", err)
	}

	err = e.store.UpsertConversation(ctx, domain.ConversationMeta{
		Key:       conv.Key,
		Role:      conv.Role,
		ProjectID: conv.ProjectID,
		Title:     conv.Title,
	})
	if err != nil {
		if canceled(ctx, err) {
			return nil, nil
		}
		metrics.SendFailures.Inc()
		return nil, e.fail(req.Key, "conversation upsert failed", err)
	}

	msg, ok := e.buildMessage(ctx, req)
	if !ok {
		return nil, nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	body, err := e.completer.Stream(streamCtx, endpoint, domain.ChatRequest{
		Key:       conv.Key,
		Message:   msg,
		ProjectID: conv.ProjectID,
		Model:     req.Model,
		WebSearch: req.WebSearch,
	})
	if err != nil {
		cancel()
		if canceled(ctx, err) {
			return nil, nil
		}
		metrics.SendFailures.Inc()
		e.events.Emit(bus.Event{Type: bus.EventSendFailed, Key: string(req.Key), Payload: map[string]any{"error": err.Error()}})
		return nil, e.fail(req.Key, "completion request failed", err)
	}

	metrics.SendsTotal.Inc()
	e.setErr(req.Key, nil)
	e.events.Emit(bus.Event{Type: bus.EventSendStarted, Key: string(req.Key), Payload: map[string]any{"id": msg.ID}})
	e.logger.Info("stream opened", "key", req.Key, "endpoint", endpoint, "message", msg.ID, "parts", len(msg.Parts))
	return newStreamHandle(streamCtx, cancel, body, e.logger), nil
}

// buildMessage returns the user message: one text part followed by the
// encoded attachments in their original order. ok is false only when ctx was
// canceled during encoding.
func (e *Engine) buildMessage(ctx context.Context, req SendRequest) (msg domain.Message, ok bool) {
	msg = domain.Message{
		ID:    uuid.NewString(),
		Role:  domain.MessageUser,
		Parts: []domain.Part{domain.TextPart(req.Text)},
	}
	if len(req.Files) == 0 {
		return msg, true
	}

	parts, err := e.encoder.Encode(ctx, req.Files)
	if err != nil {
		if canceled(ctx, err) {
			return domain.Message{}, false
		}
		metrics.EncodingFailures.Inc()
		e.events.Emit(bus.Event{Type: bus.EventEncodingFailed, Key: string(req.Key), Payload: map[string]any{"error": err.Error()}})
		e.logger.Warn("attachments dropped, sending text only", "key", req.Key, "files", len(req.Files), "err", err)
		return msg, true
	}
	msg.Parts = append(msg.Parts, parts...)
	return msg, true
}
