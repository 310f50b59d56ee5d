package inference

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"halcyon/internal/conversation"
	"halcyon/internal/memory"
)

// encodingOnce guards the package-level tiktoken encoding: it is expensive to
// build and has no per-call state, so every Gateway shares one (mirrors the
// teacher's own tokenutil package, which memoizes the cl100k_base encoding).
var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// countTokens counts text's tokens with tiktoken, falling back to a
// runes/4 estimate if the encoding failed to load (offline environments
// without the bpe ranks file cached).
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len([]rune(text))/4 + 1
}

// DefaultPromptBudget is the token ceiling applied when PromptInputs.Budget
// is left at zero.
const DefaultPromptBudget = 3000

// PromptInputs is everything AssemblePrompt needs to build one generate call
// (spec §4.3): the system preamble, memories already ordered best-match-first
// by memory.Service.Retrieve, the conversation history oldest-first, and the
// new user turn.
type PromptInputs struct {
	SystemPreamble string
	Memories       []memory.Memory
	History        []conversation.Message
	UserTurn       string
	Budget         int
}

// AssemblePrompt builds the prompt per spec §4.3: system preamble, RAG
// memories above threshold rendered as bullets, truncated history, new user
// turn. When the assembly exceeds budget, the oldest non-system history
// message is dropped first; if still over budget, the lowest-similarity
// memory (memories arrive best-match-first, so this is always the tail) is
// dropped next. The current user turn is never dropped.
func AssemblePrompt(in PromptInputs) string {
	budget := in.Budget
	if budget <= 0 {
		budget = DefaultPromptBudget
	}

	mems := append([]memory.Memory(nil), in.Memories...)
	hist := append([]conversation.Message(nil), in.History...)

	for {
		rendered := renderPrompt(in.SystemPreamble, mems, hist, in.UserTurn)
		if countTokens(rendered) <= budget {
			return rendered
		}
		oldest := -1
		for i, msg := range hist {
			if msg.Role != conversation.RoleSystem {
				oldest = i
				break
			}
		}
		if oldest >= 0 {
			hist = append(hist[:oldest], hist[oldest+1:]...) // drop oldest non-system message first
			continue
		}
		if len(mems) == 0 {
			return rendered
		}
		mems = mems[:len(mems)-1] // then drop the lowest-similarity memory (list tail)
	}
}

func renderPrompt(systemPreamble string, mems []memory.Memory, hist []conversation.Message, userTurn string) string {
	var b strings.Builder
	if systemPreamble != "" {
		b.WriteString(systemPreamble)
		b.WriteString("\n\n")
	}
	if len(mems) > 0 {
		b.WriteString("Relevant memories:\n")
		for _, m := range mems {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
	}
	for _, msg := range hist {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	fmt.Fprintf(&b, "user: %s", userTurn)
	return b.String()
}
