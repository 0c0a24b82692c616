package rerank

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOracle is a fallback cross-encoder substitute for deployments with
// no dedicated rerank endpoint: it asks a chat model to score each candidate
// 0-100 against the query. It is slower and coarser than a real cross-encoder
// and is meant only as a degrade-gracefully option, never the primary path.
type AnthropicOracle struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicOracle builds a fallback oracle using the given API key.
func NewAnthropicOracle(apiKey string) *AnthropicOracle {
	return &AnthropicOracle{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.ModelClaudeHaiku4_5,
	}
}

// Score asks the model to rate each candidate's relevance to query on a
// 0-100 scale and returns the parsed scores in the same order as candidates.
func (o *AnthropicOracle) Score(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Query: %s\n\nRate each passage's relevance to the query from 0 to 100. Reply with one integer per line, in order, nothing else.\n\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&prompt, "Passage %d: %s\n\n", i+1, c.Text)
	}

	msg, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     o.model,
		MaxTokens: int64(16 * len(candidates)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic rerank oracle: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	lines := strings.Fields(text.String())
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		score := 0.0
		if i < len(lines) {
			if v, err := strconv.Atoi(lines[i]); err == nil {
				score = float64(v)
			}
		}
		out[i] = Scored{ChunkID: c.ChunkID, Score: score}
	}
	return out, nil
}
