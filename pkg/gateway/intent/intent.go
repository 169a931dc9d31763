// Package intent decides which agent should own a conversation.
//
// A Classifier looks at the recent conversation text and names an agent. The
// relay hands the session to that agent when it differs from the current one.
package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/agents"
)

type Classifier interface {
	Classify(ctx context.Context, conversation string) (string, error)
}

type Func func(ctx context.Context, conversation string) (string, error)

func (f Func) Classify(ctx context.Context, conversation string) (string, error) {
	return f(ctx, conversation)
}

// SystemPrompt lists the agents a model may choose from.
func SystemPrompt(profiles []agents.Profile) string {
	var b strings.Builder
	b.WriteString("You are a classifier model whose job is to classify the intent of the most recent user question into one of the following domains:\n\n")
	for _, p := range profiles {
		fmt.Fprintf(&b, "- **%s**: %s\n", p.Name, p.Description)
	}
	b.WriteString("\nYou must only respond with the name of the predicted agent.")
	return b.String()
}

// Known restricts another classifier to registered agents. Answers that do not
// name a registered agent become "", meaning no handoff.
type Known struct {
	Next    Classifier
	Agents  *agents.Registry
	Timeout time.Duration
}

func (k *Known) Classify(ctx context.Context, conversation string) (string, error) {
	if k == nil || k.Next == nil || k.Agents == nil {
		return "", nil
	}
	if k.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.Timeout)
		defer cancel()
	}
	raw, err := k.Next.Classify(ctx, conversation)
	if err != nil {
		return "", err
	}
	name, ok := k.Agents.Resolve(Normalize(raw))
	if !ok {
		return "", nil
	}
	return name, nil
}

// Normalize strips the decoration models like to add around a bare label.
// Case is left alone; Known matches agent names case-insensitively.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`*\"'.")
	return strings.TrimSpace(s)
}
