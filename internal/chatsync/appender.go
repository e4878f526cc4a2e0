package chatsync

import (
	"errors"

	"github.com/google/uuid"

	"pmchat/internal/domain"
)

// AppendAssistant records a finished assistant reply for key. Call it only
// after the reply's stream has been fully drained.
func (e *Engine) AppendAssistant(key domain.ConversationKey, text string) domain.Message {
	msg := domain.Message{
		ID:    uuid.NewString(),
		Role:  domain.MessageAssistant,
		Parts: []domain.Part{domain.TextPart(text)},
	}
	e.cache.AppendMessage(key, msg)
	return msg
}

// Complete drains h and, if the stream ran to the end, appends the reply to
// key. ok is false when the stream was canceled; that is not an error. Read
// failures are recorded for key and nothing is appended.
func (e *Engine) Complete(key domain.ConversationKey, h *StreamHandle, onChunk func(string)) (msg domain.Message, ok bool, err error) {
	text, err := h.Consume(onChunk)
	switch {
	case errors.Is(err, domain.ErrCanceled):
		return domain.Message{}, false, nil
	case err != nil:
		return domain.Message{}, false, e.fail(key, "stream read failed", err)
	}
	return e.AppendAssistant(key, text), true, nil
}
