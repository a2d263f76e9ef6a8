// Package types holds the conversation model shared by the session and the
// completion backends.
package types

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one {role, text} entry handed to a completion backend.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Turn is one completed user/assistant exchange.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	// Interrupted marks a reply cut short by barge-in; Assistant then holds
	// only the text that reached playback.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Messages flattens turns into alternating user/assistant messages. An
// interrupted turn with no spoken reply contributes only its user message.
func Messages(system string, turns []Turn, current string) []Message {
	out := make([]Message, 0, 2*len(turns)+2)
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, Message{Role: RoleSystem, Text: s})
	}
	for _, t := range turns {
		out = append(out, Message{Role: RoleUser, Text: t.User})
		if strings.TrimSpace(t.Assistant) != "" {
			out = append(out, Message{Role: RoleAssistant, Text: t.Assistant})
		}
	}
	if current != "" {
		out = append(out, Message{Role: RoleUser, Text: current})
	}
	return out
}
