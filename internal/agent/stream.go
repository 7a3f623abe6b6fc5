package agent

import (
	"bufio"
	"encoding/json"
	"io"
)

// MessageKind discriminates the agent output message union
type MessageKind string

const (
	KindAssistantText MessageKind = "assistant_text"
	KindToolUse       MessageKind = "tool_use"
	KindResult        MessageKind = "result"
)

// Message is one decoded event from the agent's stream-json output. Exactly
// the fields matching Kind are set.
type Message struct {
	Kind     MessageKind
	Text     string // assistant_text
	ToolName string // tool_use
	Summary  string // result
	IsError  bool   // result
}

// rawMessage mirrors the claude stream-json line shapes we care about
type rawMessage struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// Stream decodes agent output into Messages. It is forward-only and
// one-shot: each line is consumed as it is read, nothing is buffered beyond
// the current line.
type Stream struct {
	scanner *bufio.Scanner
	pending []Message
}

// NewStream wraps the agent's stdout
func NewStream(r io.Reader) *Stream {
	scanner := bufio.NewScanner(r)
	// stream-json lines can be very long
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	return &Stream{scanner: scanner}
}

// Next returns the next message, or false once the stream is exhausted.
// Lines that are not recognizable messages are skipped.
func (s *Stream) Next() (Message, bool) {
	if len(s.pending) > 0 {
		msg := s.pending[0]
		s.pending = s.pending[1:]
		return msg, true
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		var raw rawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}

		switch raw.Type {
		case "assistant":
			// One assistant turn can carry several content blocks
			for _, c := range raw.Message.Content {
				switch c.Type {
				case "text":
					if c.Text != "" {
						s.pending = append(s.pending, Message{Kind: KindAssistantText, Text: c.Text})
					}
				case "tool_use":
					s.pending = append(s.pending, Message{Kind: KindToolUse, ToolName: c.Name})
				}
			}
			if len(s.pending) > 0 {
				msg := s.pending[0]
				s.pending = s.pending[1:]
				return msg, true
			}
		case "result":
			return Message{Kind: KindResult, Summary: raw.Result, IsError: raw.IsError}, true
		}
	}

	return Message{}, false
}

// Err returns any scanner error after the stream is exhausted
func (s *Stream) Err() error {
	return s.scanner.Err()
}
