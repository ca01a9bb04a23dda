// Package enrich implements the clean/summarize/sentiment pipeline (§4.6
// C7), grounded on original_source/ai.py, built on the teacher's own
// github.com/openai/openai-go SDK in place of the original's LangChain
// ChatOpenAI wrapper.
package enrich

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/nethesis/satellite/internal/splitter"
)

// bigChunkConfig is the large-chunk splitter used for clean/summarize
// staging. The Python original (_split_big) uses 12000/500; SPEC_FULL.md
// §4.6 calls for 400000/no-overlap for a complete reimplementation, so that
// is what ships here — see DESIGN.md for the sizing discussion.
var bigChunkConfig = splitter.Config{ChunkSize: 400000, ChunkOverlap: 0, Separators: splitter.DefaultSeparators}

const model = "gpt-5-mini"

// Pipeline drives the four enrichment stages over one transcript's raw text.
type Pipeline struct {
	oai openai.Client
}

// New builds a Pipeline from an OpenAI API key.
func New(apiKey string) *Pipeline {
	return &Pipeline{oai: openai.NewClient(option.WithAPIKey(apiKey))}
}

// Result is the output of Run: cleaned text, a summary, and an optional
// 0-10 sentiment score (nil when the model's answer couldn't be parsed).
type Result struct {
	Cleaned   string
	Summary   string
	Sentiment *int
}

// Run executes clean -> summarize -> reduce -> sentiment in sequence,
// mirroring ai.py's generate_clean_summary_sentiment. An empty raw text
// returns a zero Result with no error, matching the original's short-circuit.
func (p *Pipeline) Run(ctx context.Context, raw string) (Result, error) {
	chunks := splitter.Split(raw, bigChunkConfig)
	if len(chunks) == 0 {
		return Result{}, nil
	}

	cleaned, err := p.clean(ctx, chunks)
	if err != nil {
		return Result{}, fmt.Errorf("enrich: clean stage: %w", err)
	}

	summary, err := p.summarize(ctx, cleaned)
	if err != nil {
		return Result{}, fmt.Errorf("enrich: summarize stage: %w", err)
	}

	sentiment := p.sentiment(ctx, cleaned)

	return Result{Cleaned: cleaned, Summary: summary, Sentiment: sentiment}, nil
}

const cleanPrompt = `You are given a fragment of a transcribed phone call that may contain
interleaved single-word speaker fragments, stutters, and misattributed words
from imperfect real-time transcription. Reconstruct it into coherent,
grammatical sentences while strictly preserving: the original speaker labels,
the original language, and the original wording and meaning. Do not
summarize, do not invent content, and do not merge distinct speaker turns.

Transcript fragment:
%s`

func (p *Pipeline) clean(ctx context.Context, chunks []string) (string, error) {
	cleanedChunks := make([]string, len(chunks))
	for i, c := range chunks {
		out, err := p.complete(ctx, fmt.Sprintf(cleanPrompt, c))
		if err != nil {
			return "", err
		}
		cleanedChunks[i] = out
	}
	return strings.Join(cleanedChunks, "\n\n"), nil
}

const summarizePrompt = `Summarize the following cleaned call transcript fragment as concise bullet
points. Preserve speaker labels where they clarify who said what.

Transcript fragment:
%s`

const reducePrompt = `Merge the following partial bullet-point summaries of one phone call into a
single coherent summary, removing duplication while preserving every distinct
point raised.

Partial summaries:
%s`

func (p *Pipeline) summarize(ctx context.Context, cleaned string) (string, error) {
	chunks := splitter.Split(cleaned, bigChunkConfig)
	if len(chunks) == 0 {
		return "", nil
	}

	partials := make([]string, len(chunks))
	for i, c := range chunks {
		out, err := p.complete(ctx, fmt.Sprintf(summarizePrompt, c))
		if err != nil {
			return "", err
		}
		partials[i] = out
	}
	if len(partials) == 1 {
		return partials[0], nil
	}
	return p.complete(ctx, fmt.Sprintf(reducePrompt, strings.Join(partials, "\n\n")))
}

const sentimentPrompt = `Rate the overall sentiment of this phone call on a scale from 0 (extremely
negative) to 10 (extremely positive). Respond with only the integer.

Transcript:
%s`

func (p *Pipeline) sentiment(ctx context.Context, cleaned string) *int {
	prefix := cleaned
	if len(prefix) > 20000 {
		prefix = prefix[:20000]
	}
	out, err := p.complete(ctx, fmt.Sprintf(sentimentPrompt, prefix))
	if err != nil {
		return nil
	}
	return clampSentiment(strings.TrimSpace(out))
}

func clampSentiment(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	return &n
}

func (p *Pipeline) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.oai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("enrich: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
