// Package tts implements the speech-synthesis passthrough (§4.7 C8
// `/api/get_speech`), grounded on the teacher's Deepgram text-to-speech
// connection-string construction
// (api/assistant-api/internal/transformer/deepgram/deepgram_test.go's
// TestGetTextToSpeechConnectionString*) adapted to Deepgram's REST `/v1/speak`
// endpoint for simple request/response synthesis instead of the streaming
// WebSocket the teacher uses for live agent audio.
package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/nethesis/satellite/internal/apperr"
	"github.com/nethesis/satellite/internal/splitter"
)

// chunkConfig splits input text along the same boundary set used for
// embeddings, at the 2000-character size §4.7 specifies for speech chunks.
var chunkConfig = splitter.Config{ChunkSize: 2000, ChunkOverlap: 0, Separators: splitter.DefaultSeparators}

const defaultModel = "aura-asteria-en"

// Provider synthesizes speech from text via Deepgram's REST speak endpoint.
type Provider struct {
	apiKey string
	http   *resty.Client
}

// New builds a Provider bound to a Deepgram API key.
func New(apiKey string) *Provider {
	return &Provider{
		apiKey: apiKey,
		http:   resty.New().SetBaseURL("https://api.deepgram.com"),
	}
}

// Synthesize splits text into 2000-character chunks, requests MP3 audio for
// each chunk in sequence, and concatenates the results in issue order.
func (p *Provider) Synthesize(ctx context.Context, text, language, model string) ([]byte, error) {
	if model == "" {
		model = defaultModel
	}
	chunks := splitter.Split(text, chunkConfig)
	if len(chunks) == 0 {
		return nil, apperr.Validation("text must not be empty", nil)
	}

	var out []byte
	for _, chunk := range chunks {
		audio, err := p.synthesizeChunk(ctx, chunk, model)
		if err != nil {
			return nil, err
		}
		out = append(out, audio...)
	}
	return out, nil
}

func (p *Provider) synthesizeChunk(ctx context.Context, text, model string) ([]byte, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Token "+p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("model", model).
		SetQueryParam("encoding", "mp3").
		SetBody(map[string]string{"text": text}).
		Post("/v1/speak")
	if err != nil {
		return nil, apperr.Upstream("tts synthesis request", err)
	}
	if resp.IsError() {
		return nil, apperr.UpstreamStatus(fmt.Sprintf("tts provider returned %d: %s", resp.StatusCode(), firstBytes(resp.Body(), 500)), resp.StatusCode())
	}
	return resp.Body(), nil
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return strings.ToValidUTF8(string(b), "")
}
