package store

import (
	"context"
	"fmt"

	"github.com/nethesis/satellite/internal/splitter"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Embedder produces one embedding vector per input text, in order. It is
// satisfied by internal/embeddings.Client (OpenAI) and by test doubles.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// UpsertTranscriptProgress reserves (or re-reserves) a row for uniqueID in
// state "progress", returning its id. Idempotent: repeat calls with the
// same uniqueID return the same id and leave state == progress.
func (s *Store) UpsertTranscriptProgress(ctx context.Context, uniqueID string) (int64, error) {
	if err := ValidateUniqueID(uniqueID); err != nil {
		return 0, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	row := Transcript{UniqueID: uniqueID, RawTranscription: "", State: StateProgress}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unique_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"state": StateProgress}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("store: upsert transcript progress: %w", err)
	}
	if row.ID == 0 {
		var existing Transcript
		if err := s.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&existing).Error; err != nil {
			return 0, fmt.Errorf("store: upsert transcript progress: no id returned: %w", err)
		}
		return existing.ID, nil
	}
	return row.ID, nil
}

// UpsertTranscriptRaw stores (or replaces) the raw transcription text for
// uniqueID, returning the row id.
func (s *Store) UpsertTranscriptRaw(ctx context.Context, uniqueID, raw string) (int64, error) {
	if err := ValidateUniqueID(uniqueID); err != nil {
		return 0, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	row := Transcript{UniqueID: uniqueID, RawTranscription: raw, State: StateDone}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "unique_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"raw_transcription": raw,
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("store: upsert transcript raw: %w", err)
	}
	if row.ID == 0 {
		var existing Transcript
		if err := s.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&existing).Error; err != nil {
			return 0, fmt.Errorf("store: upsert transcript raw: no id returned: %w", err)
		}
		return existing.ID, nil
	}
	return row.ID, nil
}

// SetTranscriptState transitions transcriptID to state.
func (s *Store) SetTranscriptState(ctx context.Context, transcriptID int64, state TranscriptState) error {
	if err := ValidateTranscriptState(state); err != nil {
		return err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Transcript{}).
		Where("id = ?", transcriptID).
		Update("state", state).Error
}

// SetTranscriptStateByUniqueID is SetTranscriptState keyed by uniqueid.
func (s *Store) SetTranscriptStateByUniqueID(ctx context.Context, uniqueID string, state TranscriptState) error {
	if err := ValidateUniqueID(uniqueID); err != nil {
		return err
	}
	if err := ValidateTranscriptState(state); err != nil {
		return err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Transcript{}).
		Where("unique_id = ?", uniqueID).
		Update("state", state).Error
}

// UpdateTranscriptAIFields persists the enrichment pipeline's output.
func (s *Store) UpdateTranscriptAIFields(ctx context.Context, transcriptID int64, cleaned, summary string, sentiment *int) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	var sentiment16 *int16
	if sentiment != nil {
		v := int16(*sentiment)
		sentiment16 = &v
	}
	return s.db.WithContext(ctx).Model(&Transcript{}).
		Where("id = ?", transcriptID).
		Updates(map[string]interface{}{
			"cleaned_transcription": cleaned,
			"summary":               summary,
			"sentiment":             sentiment16,
		}).Error
}

// ReplaceTranscriptEmbeddings splits raw into chunks, embeds them, and
// replaces transcriptID's chunk set atomically (§4.5). Returns the number
// of chunks written.
func (s *Store) ReplaceTranscriptEmbeddings(ctx context.Context, transcriptID int64, raw string, embedder Embedder) (int, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	chunks := splitter.Split(raw, splitter.Config{ChunkSize: 2000, ChunkOverlap: 200})
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("store: embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("store: embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("transcript_id = ?", transcriptID).Delete(&TranscriptChunk{}).Error; err != nil {
			return err
		}
		rows := make([]TranscriptChunk, len(chunks))
		for i, c := range chunks {
			rows[i] = TranscriptChunk{
				TranscriptID: transcriptID,
				ChunkIndex:   i,
				Content:      c,
				Embedding:    pgvector.NewVector(vectors[i]),
			}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return 0, fmt.Errorf("store: replace transcript embeddings: %w", err)
	}
	return len(chunks), nil
}
