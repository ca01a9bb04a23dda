// Package store is the persistence layer (§4.5 C6): transcript lifecycle
// rows plus chunked embeddings in Postgres with the pgvector extension,
// grounded on original_source/db.py and built on the teacher's own ORM
// (gorm.io/gorm + gorm.io/driver/postgres).
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// TranscriptState is one of the four values a Transcript.State may hold.
type TranscriptState string

const (
	StateProgress    TranscriptState = "progress"
	StateFailed      TranscriptState = "failed"
	StateSummarizing TranscriptState = "summarizing"
	StateDone        TranscriptState = "done"
)

var validStates = map[TranscriptState]bool{
	StateProgress: true, StateFailed: true, StateSummarizing: true, StateDone: true,
}

// EmbeddingModel and EmbeddingDim describe the vector column; both must
// match whatever embedder produces the stored vectors.
const (
	EmbeddingModel = "text-embedding-3-small"
	EmbeddingDim   = 1536
)

var uniqueIDPattern = regexp.MustCompile(`^\d+\.\d+$`)

// ValidateUniqueID enforces the `<digits>.<digits>` uniqueid format (§3).
func ValidateUniqueID(uniqueID string) error {
	if uniqueID == "" {
		return errors.New("uniqueid must not be blank")
	}
	if !uniqueIDPattern.MatchString(uniqueID) {
		return fmt.Errorf("uniqueid %q does not match ^\\d+\\.\\d+$", uniqueID)
	}
	return nil
}

// ValidateTranscriptState rejects anything outside the four-value set.
func ValidateTranscriptState(s TranscriptState) error {
	if !validStates[s] {
		return fmt.Errorf("invalid transcript state %q", s)
	}
	return nil
}

// Transcript is the persisted row keyed by uniqueid (§3).
type Transcript struct {
	ID                   int64           `gorm:"primaryKey;autoIncrement"`
	UniqueID             string          `gorm:"uniqueIndex;not null"`
	RawTranscription     string          `gorm:"not null;default:''"`
	State                TranscriptState `gorm:"not null;default:done"`
	CleanedTranscription *string
	Summary              *string
	Sentiment            *int16
	DeletedAt            *int64 `gorm:"column:deleted_at"`
	CreatedAt            int64  `gorm:"autoCreateTime"`
	UpdatedAt            int64  `gorm:"autoUpdateTime"`

	Chunks []TranscriptChunk `gorm:"constraint:OnDelete:CASCADE;"`
}

// TranscriptChunk is a child row holding one chunk of text plus its
// embedding (§3).
type TranscriptChunk struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	TranscriptID int64 `gorm:"uniqueIndex:idx_transcript_chunk,priority:1;index:transcript_chunks_transcript_id_idx"`
	ChunkIndex   int   `gorm:"uniqueIndex:idx_transcript_chunk,priority:2"`
	Content      string
	Embedding    pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt    int64           `gorm:"autoCreateTime"`
}

// Store wraps a *gorm.DB with the lazy, idempotent schema bootstrap
// described in §4.5 and §9 ("schema bootstrap race").
type Store struct {
	db   *gorm.DB
	once singleflight.Group
	ready bool
}

// New wraps an already-open *gorm.DB. Callers typically build db via
// gorm.Open(postgres.Open(dsn), ...).
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the vector extension, both tables, their indices,
// and a best-effort HNSW ANN index, exactly once per process regardless of
// how many goroutines call it concurrently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.ready {
		return nil
	}
	_, err, _ := s.once.Do("bootstrap", func() (interface{}, error) {
		if s.ready {
			return nil, nil
		}
		if err := s.db.WithContext(ctx).Exec(`CREATE EXTENSION IF NOT EXISTS vector`).Error; err != nil {
			return nil, fmt.Errorf("store: create extension vector: %w", err)
		}
		if err := s.db.WithContext(ctx).AutoMigrate(&Transcript{}, &TranscriptChunk{}); err != nil {
			return nil, fmt.Errorf("store: automigrate: %w", err)
		}
		if err := s.db.WithContext(ctx).Exec(
			`ALTER TABLE transcripts ADD CONSTRAINT transcripts_state_check
			 CHECK (state IN ('progress','failed','summarizing','done'))`,
		).Error; err != nil {
			// Constraint may already exist from a prior bootstrap; tolerated.
		}
		if err := s.db.WithContext(ctx).Exec(
			`ALTER TABLE transcripts ADD CONSTRAINT transcripts_sentiment_check
			 CHECK (sentiment IS NULL OR (sentiment >= 0 AND sentiment <= 10))`,
		).Error; err != nil {
			// Tolerated for the same reason.
		}

		// HNSW index creation is best-effort: older Postgres/pgvector builds
		// may not support it, and that must never block the rest of the
		// system from working without ANN search.
		if err := s.db.WithContext(ctx).Exec(
			`CREATE INDEX IF NOT EXISTS transcript_chunks_embedding_hnsw
			 ON transcript_chunks USING hnsw (embedding vector_cosine_ops)
			 WITH (m = 16, ef_construction = 64)`,
		).Error; err != nil {
			return nil, nil // failure is ignored: neither returned nor logged
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.ready = true
	return nil
}

// DB exposes the underlying connection for callers that need raw queries
// (e.g. the sqlmock-backed unit tests).
func (s *Store) DB() *gorm.DB { return s.db }

// SkipSchemaBootstrap marks the store already-migrated without running
// EnsureSchema's Postgres-only DDL, for tests that back a Store with a
// dialect (sqlite, sqlmock) that can't run CREATE EXTENSION/HNSW statements.
func (s *Store) SkipSchemaBootstrap() { s.ready = true }
