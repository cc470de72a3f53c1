package enrich

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// runesPerToken approximates token length when no encoding is available.
const runesPerToken = 4

// Budget caps resume text at a token count before it enters the prompt.
// A nil *Budget leaves text untouched.
type Budget struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
}

// NewBudget loads the cl100k_base encoding. If it cannot load, the budget
// falls back to rune truncation.
func NewBudget(maxTokens int) *Budget {
	b := &Budget{maxTokens: maxTokens}
	if maxTokens <= 0 {
		return b
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("enrich: token encoding unavailable, using rune budget", slog.Any("error", err))
		return b
	}
	b.enc = enc
	return b
}

// Trim returns text cut to the token budget.
func (b *Budget) Trim(text string) string {
	if b == nil || b.maxTokens <= 0 {
		return text
	}
	if b.enc == nil {
		return engine.TruncateRunes(text, b.maxTokens*runesPerToken, "")
	}
	toks := b.enc.Encode(text, nil, nil)
	if len(toks) <= b.maxTokens {
		return text
	}
	return strings.ToValidUTF8(b.enc.Decode(toks[:b.maxTokens]), "")
}
