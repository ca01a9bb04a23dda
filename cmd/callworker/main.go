// Command callworker is the out-of-process enrichment worker (§4.6 C7):
// reads one JSON request from stdin, replaces transcript embeddings and
// optionally runs the clean/summarize/sentiment pipeline, writes one JSON
// response to stdout, and exits 0 on success / 1 on any failure, grounded
// on original_source/call_processor.py.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nethesis/satellite/internal/config"
	"github.com/nethesis/satellite/internal/embeddings"
	"github.com/nethesis/satellite/internal/enrich"
	"github.com/nethesis/satellite/internal/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type request struct {
	TranscriptID     int64  `json:"transcript_id"`
	RawTranscription string `json:"raw_transcription"`
	Summarize        bool   `json:"summarize"`
}

type response struct {
	OK        bool `json:"ok"`
	Sentiment *int `json:"sentiment"`
}

func main() {
	os.Exit(run())
}

func run() int {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil || len(raw) == 0 {
		writeResponse(response{OK: false})
		return 1
	}

	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeResponse(response{OK: false})
		return 1
	}

	if err := process(req); err != nil {
		fmt.Fprintln(os.Stderr, "call processing failed:", err)
		writeResponse(response{OK: false})
		return 1
	}
	return 0
}

func process(req request) error {
	v, err := config.InitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if !cfg.Pgvector.IsConfigured() {
		writeResponse(response{OK: true, Sentiment: nil})
		return nil
	}

	db, err := gorm.Open(postgres.Open(pgDSN(cfg)), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}

	s := store.New(db)
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	embedder := embeddings.New(cfg.OpenAIAPIKey)
	if _, err := s.ReplaceTranscriptEmbeddings(ctx, req.TranscriptID, req.RawTranscription, embedder); err != nil {
		return fmt.Errorf("replace embeddings: %w", err)
	}

	if !req.Summarize {
		writeResponse(response{OK: true, Sentiment: nil})
		return nil
	}

	pipeline := enrich.New(cfg.OpenAIAPIKey)
	result, err := pipeline.Run(ctx, req.RawTranscription)
	if err != nil {
		return fmt.Errorf("run enrichment pipeline: %w", err)
	}

	if err := s.UpdateTranscriptAIFields(ctx, req.TranscriptID, result.Cleaned, result.Summary, result.Sentiment); err != nil {
		return fmt.Errorf("update transcript ai fields: %w", err)
	}

	writeResponse(response{OK: true, Sentiment: result.Sentiment})
	return nil
}

func pgDSN(cfg *config.AppConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Pgvector.Host, cfg.Pgvector.Port, cfg.Pgvector.User, cfg.Pgvector.Password, cfg.Pgvector.Database)
}

func writeResponse(r response) {
	_ = json.NewEncoder(os.Stdout).Encode(r)
}
