package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nethesis/satellite/internal/apperr"
)

// VoxtralBatch implements BatchProvider against Mistral's VoxTral
// audio-transcription endpoint, grounded on
// original_source/transcription/voxtral.py.
type VoxtralBatch struct {
	apiKey string
	http   *resty.Client
}

// NewVoxtralBatch builds a VoxtralBatch provider.
func NewVoxtralBatch(apiKey string) *VoxtralBatch {
	return &VoxtralBatch{
		apiKey: apiKey,
		http:   resty.New().SetBaseURL("https://api.mistral.ai").SetTimeout(300 * time.Second),
	}
}

type voxtralSegment struct {
	SpeakerID string `json:"speaker_id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

type voxtralResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []voxtralSegment `json:"segments"`
}

func (v *VoxtralBatch) Transcribe(ctx context.Context, audio []byte, contentType string, params map[string]string) (BatchResult, error) {
	model := params["model"]
	if model == "" {
		model = "voxtral-mini-latest"
	}

	req := v.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+v.apiKey).
		SetFileReader("file", "audio.wav", bytes.NewReader(audio)).
		SetFormData(map[string]string{"model": model})

	if lang := strings.TrimSpace(params["language"]); lang != "" {
		req.SetFormData(map[string]string{"language": lang})
	}

	diarizeDisabled := isFalsy(params["diarize"])
	granularities := parseGranularities(params["timestamp_granularities"])
	if !diarizeDisabled {
		req.SetFormData(map[string]string{"diarize": "true"})
		if len(granularities) == 0 {
			granularities = []string{"segment"}
		}
	}
	for _, g := range granularities {
		req.FormData.Add("timestamp_granularities", g)
	}

	if t := strings.TrimSpace(params["temperature"]); t != "" {
		if _, err := strconv.ParseFloat(t, 64); err == nil {
			req.SetFormData(map[string]string{"temperature": t})
		}
	}

	if bias := strings.TrimSpace(params["context_bias"]); bias != "" {
		items := strings.Split(bias, ",")
		count := 0
		for _, item := range items {
			item = strings.TrimSpace(item)
			if item == "" || count >= 100 {
				continue
			}
			req.FormData.Add("context_bias", item)
			count++
		}
	}

	resp, err := req.Post("/v1/audio/transcriptions")
	if err != nil {
		return BatchResult{}, apperr.Upstream("voxtral batch transcription request", err)
	}
	if resp.IsError() {
		return BatchResult{}, apperr.UpstreamStatus(fmt.Sprintf("voxtral returned %d: %s", resp.StatusCode(), resp.String()), resp.StatusCode())
	}

	var parsed voxtralResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return BatchResult{}, apperr.Upstream("voxtral response decode", err)
	}

	transcript := strings.TrimSpace(parsed.Text)
	if hasDiarization(parsed.Segments) {
		transcript = formatDiarizedTranscript(parsed.Segments)
	}

	return BatchResult{RawTranscription: transcript, DetectedLanguage: parsed.Language}, nil
}

func isFalsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "no":
		return true
	default:
		return false
	}
}

func parseGranularities(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, g := range strings.Split(raw, ",") {
		g = strings.TrimSpace(g)
		if g == "segment" || g == "word" {
			out = append(out, g)
		}
	}
	return out
}

func hasDiarization(segments []voxtralSegment) bool {
	for _, s := range segments {
		if s.SpeakerID != "" || s.Speaker != "" {
			return true
		}
	}
	return false
}

// formatDiarizedTranscript reconstructs a speaker-labeled transcript from
// VoxTral segments, mirroring _format_diarized_transcript.
func formatDiarizedTranscript(segments []voxtralSegment) string {
	var b strings.Builder
	lastSpeaker := ""
	for _, seg := range segments {
		speaker := seg.SpeakerID
		if speaker == "" {
			speaker = seg.Speaker
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if speaker != "" && speaker != lastSpeaker {
			b.WriteString(fmt.Sprintf("\n%s: %s", speaker, text))
			lastSpeaker = speaker
		} else {
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(text)
		}
	}
	return strings.TrimSpace(b.String())
}
