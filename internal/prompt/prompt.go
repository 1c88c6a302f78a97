// Package prompt assembles the language model input for one turn within a
// bounded context budget.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/model"
)

// DefaultSystem is the system instruction used when none is configured.
const DefaultSystem = "You are a helpful voice assistant for scheduling appointments. " +
	"Answer in one or two short sentences suitable for speech. " +
	"If the knowledge base information answers the question, use it."

// Message is one entry of the assembled prompt.
type Message struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// Input is everything a turn may contribute to the prompt. Snippets are in
// rank order; History is oldest first.
type Input struct {
	System    string
	Snippets  []string
	History   []model.Message
	UserInput string
}

// Prompt is the assembled message list.
type Prompt struct {
	Messages        []Message `json:"messages"`
	Units           int       `json:"units"`
	DroppedHistory  int       `json:"dropped_history,omitempty"`
	DroppedSnippets int       `json:"dropped_snippets,omitempty"`
	// OverBudget is set when the system text and user input alone exceed the
	// budget. They are never dropped.
	OverBudget bool `json:"over_budget,omitempty"`
}

// Text flattens the prompt into "role: content" blocks.
func (p *Prompt) Text() string {
	var b strings.Builder
	for i, m := range p.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Counter measures text in budget units.
type Counter interface {
	Count(text string) int
}

// RuneCounter counts Unicode code points.
type RuneCounter struct{}

func (RuneCounter) Count(text string) int { return utf8.RuneCountInString(text) }

// TokenCounter counts BPE tokens.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads a tiktoken encoding such as "cl100k_base".
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TokenCounter{enc: enc}, nil
}

func (t *TokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewCounter returns the counter for unit ("runes" or "tokens").
func NewCounter(unit, encoding string) (Counter, error) {
	switch unit {
	case "", "runes":
		return RuneCounter{}, nil
	case "tokens":
		return NewTokenCounter(encoding)
	default:
		return nil, fmt.Errorf("unknown context unit %q", unit)
	}
}

// Assembler builds prompts no larger than maxUnits where possible.
type Assembler struct {
	maxUnits int
	counter  Counter
}

// New creates an assembler. A nil counter counts runes.
func New(maxUnits int, counter Counter) *Assembler {
	if counter == nil {
		counter = RuneCounter{}
	}
	return &Assembler{maxUnits: maxUnits, counter: counter}
}

// Assemble orders the prompt as system, context block, history, user input.
// Over budget, the oldest history goes first, then the lowest-ranked
// snippets.
func (a *Assembler) Assemble(in Input) (*Prompt, error) {
	if strings.TrimSpace(in.UserInput) == "" {
		return nil, apperr.New(apperr.InvalidInput, "prompt needs user input")
	}

	fixed := a.counter.Count(in.System) + a.counter.Count(in.UserInput)

	histUnits := make([]int, len(in.History))
	histTotal := 0
	for i, m := range in.History {
		histUnits[i] = a.counter.Count(m.Content)
		histTotal += histUnits[i]
	}
	history := in.History
	snippets := in.Snippets
	ctxUnits := a.counter.Count(contextBlock(snippets))

	p := &Prompt{}
	total := func() int { return fixed + ctxUnits + histTotal }

	for a.maxUnits > 0 && total() > a.maxUnits && len(history) > 0 {
		histTotal -= histUnits[0]
		histUnits = histUnits[1:]
		history = history[1:]
		p.DroppedHistory++
	}
	for a.maxUnits > 0 && total() > a.maxUnits && len(snippets) > 0 {
		snippets = snippets[:len(snippets)-1]
		ctxUnits = a.counter.Count(contextBlock(snippets))
		p.DroppedSnippets++
	}
	p.Units = total()
	p.OverBudget = a.maxUnits > 0 && p.Units > a.maxUnits

	if in.System != "" {
		p.Messages = append(p.Messages, Message{Role: model.RoleSystem, Content: in.System})
	}
	if block := contextBlock(snippets); block != "" {
		p.Messages = append(p.Messages, Message{Role: model.RoleSystem, Content: block})
	}
	for _, m := range history {
		p.Messages = append(p.Messages, Message{Role: m.Role, Content: m.Content})
	}
	p.Messages = append(p.Messages, Message{Role: model.RoleUser, Content: in.UserInput})
	return p, nil
}

func contextBlock(snippets []string) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Knowledge base information:")
	for i, s := range snippets {
		fmt.Fprintf(&b, "\n<context rank=\"%d\">%s</context>", i+1, s)
	}
	return b.String()
}
