package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/capmesh/capmesh/capability"
)

// OpenAIOracle scores candidates with the OpenAI Chat Completions API. It
// is one Oracle implementation; the classifier treats it as a black box and
// falls back to lexical ranking on any failure here.
type OpenAIOracle struct {
	client *openai.Client
	opts   OpenAIOptions
}

// OpenAIOptions configure the oracle request.
type OpenAIOptions struct {
	Model       string
	Temperature float64
}

// NewOpenAIOracle creates an oracle using the default client (API key from
// the environment).
func NewOpenAIOracle(optFns ...func(o *OpenAIOptions)) *OpenAIOracle {
	client := openai.NewClient()
	return NewOpenAIOracleFromClient(&client, optFns...)
}

// NewOpenAIOracleFromClient creates an oracle from an existing client.
func NewOpenAIOracleFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAIOracle {
	opts := OpenAIOptions{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: 0.0,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAIOracle{client: client, opts: opts}
}

const systemPrompt = `You route user requests to callable functions.
Given a request and a list of candidate functions, return a JSON array of
the relevant ones only, ordered by relevance. Each element must be
{"function_id": "...", "relevance": 0.0-1.0, "reason": "..."}.
Return [] when nothing fits. Output JSON only.`

// oracleSelection is the reply element shape the model is asked for.
type oracleSelection struct {
	FunctionID string  `json:"function_id"`
	Relevance  float64 `json:"relevance"`
	Reason     string  `json:"reason"`
}

// ClassifyFunctions makes a single scoring attempt; the caller owns
// fallback behavior.
func (o *OpenAIOracle) ClassifyFunctions(ctx context.Context, text string, candidates []capability.Record) ([]Match, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\n\nCandidates:\n", text)
	for _, rec := range candidates {
		fmt.Fprintf(&sb, "- id=%s name=%s description=%s tags=%s\n",
			rec.FunctionID, rec.Name, rec.Description, strings.Join(rec.Tags, ","))
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(sb.String()),
		},
		Temperature: openai.Float(o.opts.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("classify: oracle request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classify: oracle returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = stripFence(content)

	var selections []oracleSelection
	if err := json.Unmarshal([]byte(content), &selections); err != nil {
		return nil, fmt.Errorf("classify: malformed oracle reply: %w", err)
	}

	matches := make([]Match, 0, len(selections))
	for _, sel := range selections {
		matches = append(matches, Match{
			Record:     capability.Record{FunctionID: sel.FunctionID},
			Relevance:  sel.Relevance,
			Reason:     sel.Reason,
			Source:     SourceOracle,
			Confidence: sel.Relevance,
		})
	}
	return matches, nil
}

// stripFence removes a markdown code fence the model sometimes wraps JSON in.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Ensure OpenAIOracle implements Oracle.
var _ Oracle = (*OpenAIOracle)(nil)
