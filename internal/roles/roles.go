package roles

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownRole indicates a role name outside the supported set.
var ErrUnknownRole = errors.New("unknown role")

// Role is a behavioural constraint assigned to a single model in a conversation.
type Role string

const (
	Neutral     Role = "neutral"
	Advocate    Role = "advocate"
	Adversarial Role = "adversarial"
	Skeptic     Role = "skeptic"
	Optimist    Role = "optimist"
	Analyst     Role = "analyst"
	Creative    Role = "creative"
	Concise     Role = "concise"
)

var instructions = map[Role]string{
	Neutral:     "",
	Advocate:    "Argue in favour of the idea or position in the prompt. Build the strongest honest case for it.",
	Adversarial: "Challenge the prompt. Look for flaws, counterexamples and weak assumptions, and argue the opposing side.",
	Skeptic:     "Be skeptical. Question every claim, ask what evidence supports it, and flag anything that is uncertain.",
	Optimist:    "Focus on opportunities, upside and what could go right, while staying factual.",
	Analyst:     "Answer as a careful analyst: structure the problem, weigh trade-offs and state your reasoning step by step.",
	Creative:    "Answer creatively. Prefer unexpected angles, analogies and original ideas over conventional ones.",
	Concise:     "Answer as briefly as possible. Use at most a few sentences and no preamble.",
}

// All returns every supported role in a stable order.
func All() []Role {
	out := make([]Role, 0, len(instructions))
	for r := range instructions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse normalises and validates a role name. The empty string maps to Neutral.
func Parse(name string) (Role, error) {
	normalized := Role(strings.ToLower(strings.TrimSpace(name)))
	if normalized == "" {
		return Neutral, nil
	}
	if _, ok := instructions[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return normalized, nil
}

// Instruction returns the text prepended to prompts for the role.
func (r Role) Instruction() string {
	return instructions[r]
}

// Title returns the display label for the role.
func (r Role) Title() string {
	s := string(r)
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Augment prefixes a prompt with the role block and the conversation-wide context block.
// Both blocks are omitted when empty, so a neutral role with no context returns text unchanged.
func Augment(text, globalContext string, role Role) string {
	var b strings.Builder
	if instruction := role.Instruction(); instruction != "" {
		fmt.Fprintf(&b, "[Role: %s]\n%s\n\n", role.Title(), instruction)
	}
	if ctx := strings.TrimSpace(globalContext); ctx != "" {
		fmt.Fprintf(&b, "[Context]\n%s\n\n", ctx)
	}
	if b.Len() == 0 {
		return text
	}
	b.WriteString(text)
	return b.String()
}
