package stt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nethesis/satellite/internal/apperr"
)

// BatchResult is a completed batch transcription, grounded on
// original_source/transcription/base.py's TranscriptionResult.
type BatchResult struct {
	RawTranscription string
	DetectedLanguage string
}

// BatchProvider transcribes a complete audio payload in one request,
// grounded on original_source/transcription/base.py's TranscriptionProvider.
type BatchProvider interface {
	Transcribe(ctx context.Context, audio []byte, contentType string, params map[string]string) (BatchResult, error)
}

// NewBatchProvider resolves a provider by name ("deepgram" or "voxtral"),
// mirroring transcription/__init__.py's get_provider.
func NewBatchProvider(name, deepgramAPIKey, mistralAPIKey string, deepgramTimeoutSeconds int) (BatchProvider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "deepgram":
		if deepgramAPIKey == "" {
			return nil, apperr.Validation("DEEPGRAM_API_KEY is required for the deepgram provider", nil)
		}
		return NewDeepgramBatch(deepgramAPIKey, deepgramTimeoutSeconds), nil
	case "voxtral":
		if mistralAPIKey == "" {
			return nil, apperr.Validation("MISTRAL_API_KEY is required for the voxtral provider", nil)
		}
		return NewVoxtralBatch(mistralAPIKey), nil
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown transcription provider %q", name), nil)
	}
}

// deepgramBatchDefaults mirrors transcription/deepgram.py's deepgram_params
// default table; empty values are omitted rather than sent.
var deepgramBatchDefaults = map[string]string{
	"detect_language": "true",
	"model":           "nova-3",
	"numerals":        "true",
	"paragraphs":      "true",
	"punctuate":       "true",
	"sentiment":       "false",
	"smart_format":    "true",
}

// DeepgramBatch implements BatchProvider against Deepgram's /v1/listen REST
// endpoint.
type DeepgramBatch struct {
	apiKey         string
	timeoutSeconds int
	http           *resty.Client
}

// NewDeepgramBatch builds a DeepgramBatch provider.
func NewDeepgramBatch(apiKey string, timeoutSeconds int) *DeepgramBatch {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return &DeepgramBatch{
		apiKey:         apiKey,
		timeoutSeconds: timeoutSeconds,
		http:           resty.New().SetBaseURL("https://api.deepgram.com"),
	}
}

func (d *DeepgramBatch) Transcribe(ctx context.Context, audio []byte, contentType string, params map[string]string) (BatchResult, error) {
	query := map[string]string{}
	for k, v := range deepgramBatchDefaults {
		query[k] = v
	}
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			query[k] = v
		}
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetTimeout(time.Duration(d.timeoutSeconds) * time.Second).
		SetHeader("Authorization", "Token "+d.apiKey).
		SetHeader("Content-Type", contentType).
		SetQueryParams(query).
		SetBody(audio).
		Post("/v1/listen")
	if err != nil {
		return BatchResult{}, apperr.Upstream("deepgram batch transcription request", err)
	}
	if resp.IsError() {
		return BatchResult{}, apperr.UpstreamStatus(fmt.Sprintf("deepgram returned %d: %s", resp.StatusCode(), resp.String()), resp.StatusCode())
	}

	return parseDeepgramBatchResponse(resp.Body())
}
