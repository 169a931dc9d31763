package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultHistoryMax is the number of turns kept for handoff replay.
const DefaultHistoryMax = 3

type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// History is a bounded FIFO of conversation turns. It is not safe for
// concurrent use; Session guards it.
type History struct {
	max   int
	turns []Turn
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistoryMax
	}
	return &History{max: max, turns: make([]Turn, 0, max+1)}
}

// Append adds a turn and evicts the oldest turns beyond the bound.
func (h *History) Append(role, text string) {
	h.turns = append(h.turns, Turn{Role: role, Text: text})
	if over := len(h.turns) - h.max; over > 0 {
		h.turns = append(h.turns[:0], h.turns[over:]...)
	}
}

func (h *History) Len() int { return len(h.turns) }

func (h *History) Max() int { return h.max }

func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Text renders the history for the intent classifier, one "role: text" line per turn.
func (h *History) Text() string {
	lines := make([]string, 0, len(h.turns))
	for _, t := range h.turns {
		lines = append(lines, t.Role+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

func (h *History) MarshalBinary() ([]byte, error) {
	return json.Marshal(h.turns)
}

// UnmarshalBinary restores persisted turns, keeping only the newest h.max of them.
func (h *History) UnmarshalBinary(data []byte) error {
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	if h.max <= 0 {
		h.max = DefaultHistoryMax
	}
	h.turns = h.turns[:0]
	for _, t := range turns {
		h.Append(t.Role, t.Text)
	}
	return nil
}
