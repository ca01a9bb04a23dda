package stt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nethesis/satellite/internal/apperr"
)

// deepgramBatchResponse captures only the fields needed to extract the
// paragraphs transcript and detected language, mirroring the two lookup
// paths in transcription/deepgram.py's response parsing.
type deepgramBatchResponse struct {
	Results struct {
		Paragraphs *struct {
			Transcript string `json:"transcript"`
		} `json:"paragraphs"`
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Paragraphs *struct {
					Transcript string `json:"transcript"`
				} `json:"paragraphs"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func parseDeepgramBatchResponse(body []byte) (BatchResult, error) {
	var parsed deepgramBatchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return BatchResult{}, apperr.Upstream("deepgram response decode", err)
	}

	var transcript string
	switch {
	case parsed.Results.Paragraphs != nil:
		transcript = parsed.Results.Paragraphs.Transcript
	case len(parsed.Results.Channels) > 0 &&
		len(parsed.Results.Channels[0].Alternatives) > 0 &&
		parsed.Results.Channels[0].Alternatives[0].Paragraphs != nil:
		transcript = parsed.Results.Channels[0].Alternatives[0].Paragraphs.Transcript
	default:
		return BatchResult{}, apperr.Upstream(fmt.Sprintf("deepgram response missing paragraphs transcript: %s", string(body)), nil)
	}

	var language string
	if len(parsed.Results.Channels) > 0 {
		language = parsed.Results.Channels[0].DetectedLanguage
	}

	return BatchResult{
		RawTranscription: strings.TrimSpace(transcript),
		DetectedLanguage: language,
	}, nil
}
