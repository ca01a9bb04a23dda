package api

import "strings"

// Model is one catalog entry returned by GET /api/get_models.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Language string `json:"language"`
}

// catalog is a statically compiled list of supported batch-transcription
// and TTS models, grounded on the provider defaults named throughout §4.7
// (Deepgram nova-3 for batch STT, VoxTral for Mistral, aura-asteria-en for
// Deepgram TTS).
var catalog = []Model{
	{ID: "nova-3", Provider: "deepgram", Language: "en"},
	{ID: "nova-2", Provider: "deepgram", Language: "en"},
	{ID: "voxtral-mini-latest", Provider: "voxtral", Language: "en"},
	{ID: "voxtral-mini-latest", Provider: "voxtral", Language: "fr"},
	{ID: "voxtral-mini-latest", Provider: "voxtral", Language: "it"},
	{ID: "aura-asteria-en", Provider: "deepgram-tts", Language: "en"},
	{ID: "aura-luna-en", Provider: "deepgram-tts", Language: "en"},
}

// modelsForLanguage filters the catalog by language suffix, matching §4.7's
// "statically compiled catalog filtered by language suffix".
func modelsForLanguage(language string) []Model {
	if language == "" {
		return catalog
	}
	language = strings.ToLower(language)
	var out []Model
	for _, m := range catalog {
		if strings.HasSuffix(strings.ToLower(m.Language), language) {
			out = append(out, m)
		}
	}
	return out
}
