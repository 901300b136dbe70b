// Package stream carries gateway output to clients one fragment at a time,
// over a line-framed HTTP body or a WebSocket.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

const (
	// HeaderDataStream marks a response body as a framed data stream
	HeaderDataStream  = "X-Vercel-AI-Data-Stream"
	DataStreamVersion = "v1"

	FinishReasonStop = "stop"

	// GenericErrorMessage is the only error text a client ever receives
	GenericErrorMessage = "An error occurred."

	maxRequestBytes = 1 << 20
	maxFrameBytes   = 1 << 20
)

// FrameKind is the prefix before the colon of a frame line
type FrameKind byte

const (
	FrameText   FrameKind = '0'
	FrameError  FrameKind = '3'
	FrameFinish FrameKind = 'd'
)

// Frame is one decoded line of the data stream
type Frame struct {
	Kind         FrameKind
	Text         string
	FinishReason string
}

type finishPayload struct {
	FinishReason string `json:"finishReason"`
}

// ChatMessage is one history entry on the wire
type ChatMessage struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
}

// ChatRequest is the body of POST /api/chat and the first WebSocket message
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// NewChatRequest converts a transcript to its wire form
func NewChatRequest(msgs []session.Message) ChatRequest {
	out := ChatRequest{Messages: make([]ChatMessage, len(msgs))}
	for i, m := range msgs {
		out.Messages[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// History validates the request and returns it as gateway input
func (r ChatRequest) History() ([]session.Message, error) {
	if len(r.Messages) == 0 {
		return nil, &session.ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	msgs := make([]session.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = session.Message{Role: m.Role, Content: m.Content}
	}
	if err := session.ValidateMessages(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// WriteText writes a text chunk frame
func WriteText(w io.Writer, text string) error {
	return writeFrame(w, FrameText, text)
}

// WriteError writes an error frame
func WriteError(w io.Writer, msg string) error {
	return writeFrame(w, FrameError, msg)
}

// WriteFinish writes the terminal frame
func WriteFinish(w io.Writer, reason string) error {
	return writeFrame(w, FrameFinish, finishPayload{FinishReason: reason})
}

func writeFrame(w io.Writer, kind FrameKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	buf := make([]byte, 0, len(data)+3)
	buf = append(buf, byte(kind), ':')
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err = w.Write(buf)
	return err
}

// ParseFrame decodes a single line, with or without its trailing newline.
// Unknown frame kinds are returned with an empty payload so callers can
// skip them.
func ParseFrame(line []byte) (Frame, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < 2 || line[1] != ':' {
		return Frame{}, fmt.Errorf("malformed frame %q", truncate(string(line)))
	}
	f := Frame{Kind: FrameKind(line[0])}
	payload := line[2:]
	switch f.Kind {
	case FrameText, FrameError:
		if err := json.Unmarshal(payload, &f.Text); err != nil {
			return Frame{}, fmt.Errorf("failed to decode %c frame: %w", f.Kind, err)
		}
	case FrameFinish:
		var p finishPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Frame{}, fmt.Errorf("failed to decode finish frame: %w", err)
		}
		f.FinishReason = p.FinishReason
	}
	return f, nil
}

func truncate(s string) string {
	if len(s) <= 64 {
		return s
	}
	return strings.ToValidUTF8(s[:64], "") + "..."
}
