package domain

import "strings"

// MessageRole is the author of a message.
type MessageRole string

const (
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
	MessageSystem    MessageRole = "system"
)

// PartKind tags the content of a Part.
type PartKind string

const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
)

// Part is one ordered fragment of a message: either text or an inline file.
type Part struct {
	Kind PartKind

	// Text is set for PartText.
	Text string

	// MediaType, Filename and Data are set for PartFile. Data holds the raw
	// file bytes; the wire layer embeds them.
	MediaType string
	Filename  string
	Data      []byte
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// FilePart returns an inline-file part.
func FilePart(mediaType, filename string, data []byte) Part {
	return Part{Kind: PartFile, MediaType: mediaType, Filename: filename, Data: data}
}

// Message is a single turn in a conversation. Parts is never empty.
type Message struct {
	ID    string
	Role  MessageRole
	Parts []Part
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// CloneMessages deep-copies a message sequence including file payloads.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].Parts = make([]Part, len(m.Parts))
		for j, p := range m.Parts {
			if p.Data != nil {
				p.Data = append([]byte(nil), p.Data...)
			}
			out[i].Parts[j] = p
		}
	}
	return out
}
