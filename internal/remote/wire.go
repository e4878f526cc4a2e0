package remote

import (
	"encoding/base64"
	"fmt"
	"strings"

	"pmchat/internal/domain"
)

// WirePart is the JSON shape of a message part. Files travel as data URLs.
type WirePart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
}

// WireMessage is the JSON shape of a message.
type WireMessage struct {
	ID    string     `json:"id"`
	Role  string     `json:"role"`
	Parts []WirePart `json:"parts"`
}

// HistoryResponse is the body of a successful history read.
type HistoryResponse struct {
	Messages     []WireMessage     `json:"messages"`
	Conversation *WireConversation `json:"conversation,omitempty"`
}

// WireConversation carries conversation-level fields of a history read.
type WireConversation struct {
	Title string `json:"title"`
}

// UpsertRequest registers a conversation with the remote store.
type UpsertRequest struct {
	ID        string `json:"id"`
	AgentRole string `json:"agent_role"`
	ProjectID *int64 `json:"project_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

// ChatBody is the body of a streaming completion request.
type ChatBody struct {
	ID        string      `json:"id"`
	Message   WireMessage `json:"message"`
	ProjectID *int64      `json:"projectId,omitempty"`
	Model     string      `json:"model,omitempty"`
	WebSearch bool        `json:"webSearch,omitempty"`
}

// ToWire converts a message for transmission.
func ToWire(m domain.Message) WireMessage {
	out := WireMessage{ID: m.ID, Role: string(m.Role), Parts: make([]WirePart, 0, len(m.Parts))}
	for _, p := range m.Parts {
		switch p.Kind {
		case domain.PartFile:
			out.Parts = append(out.Parts, WirePart{
				Type:      string(domain.PartFile),
				MediaType: p.MediaType,
				Filename:  p.Filename,
				URL:       DataURL(p.MediaType, p.Data),
			})
		default:
			out.Parts = append(out.Parts, WirePart{Type: string(domain.PartText), Text: p.Text})
		}
	}
	return out
}

// FromWire converts a stored message. The role passes through unchanged.
// Unknown part kinds, and file parts whose payload cannot be decoded, become
// empty text parts so one odd part never discards the message.
func FromWire(m WireMessage) domain.Message {
	out := domain.Message{ID: m.ID, Role: domain.MessageRole(m.Role), Parts: make([]domain.Part, 0, len(m.Parts))}
	for _, p := range m.Parts {
		out.Parts = append(out.Parts, partFromWire(p))
	}
	if len(out.Parts) == 0 {
		out.Parts = append(out.Parts, domain.TextPart(""))
	}
	return out
}

func partFromWire(p WirePart) domain.Part {
	switch domain.PartKind(p.Type) {
	case domain.PartText:
		return domain.TextPart(p.Text)
	case domain.PartFile:
		mediaType, data, err := ParseDataURL(p.URL)
		if err != nil {
			return domain.TextPart("")
		}
		if p.MediaType != "" {
			mediaType = p.MediaType
		}
		return domain.FilePart(mediaType, p.Filename, data)
	default:
		return domain.TextPart("")
	}
}

// DataURL embeds data as a base64 data URL.
func DataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL decodes a base64 data URL produced by DataURL.
func ParseDataURL(url string) (mediaType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL has no payload")
	}
	mediaType, ok = strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data URL is not base64")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	return mediaType, data, nil
}
