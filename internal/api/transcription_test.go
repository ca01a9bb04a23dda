package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/nethesis/satellite/internal/apperr"
	"github.com/nethesis/satellite/internal/commons"
	providerstt "github.com/nethesis/satellite/internal/providers/stt"
	"github.com/nethesis/satellite/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLogger(t *testing.T) commons.Logger {
	l, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return l
}

// fakeBatchProvider is a test double for providerstt.BatchProvider, letting
// these tests drive handleGetTranscription's HTTP surface without a real
// Deepgram/VoxTral endpoint.
type fakeBatchProvider struct {
	result providerstt.BatchResult
	err    error
}

func (f *fakeBatchProvider) Transcribe(context.Context, []byte, string, map[string]string) (providerstt.BatchResult, error) {
	return f.result, f.err
}

// newWavUploadRequest builds a multipart POST with an explicit audio/wav
// part content-type, since multipart.Writer.CreateFormFile always sets
// application/octet-stream and handleGetTranscription rejects that.
func newWavUploadRequest(t *testing.T, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="call.wav"`)
	h.Set("Content-Type", "audio/wav")
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFF....WAVEfmt "))
	require.NoError(t, err)

	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/get_transcription", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func newTranscriptionTestServer(t *testing.T, provider providerstt.BatchProvider, st *store.Store) *Server {
	t.Helper()
	s := New(Options{Store: st}, testLogger(t))
	s.providerFactory = func(string) (providerstt.BatchProvider, error) { return provider, nil }
	return s
}

// newSQLiteTestStore mirrors store.newSQLiteStore: sqlite has no
// CREATE EXTENSION/vector type or HNSW support, so the tables are created
// by hand and schema bootstrap is skipped.
func newSQLiteTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unique_id TEXT UNIQUE NOT NULL,
		raw_transcription TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'done',
		cleaned_transcription TEXT,
		summary TEXT,
		sentiment INTEGER,
		deleted_at INTEGER,
		created_at INTEGER,
		updated_at INTEGER
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE transcript_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transcript_id INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT,
		embedding TEXT,
		created_at INTEGER,
		UNIQUE(transcript_id, chunk_index)
	)`).Error)

	st := store.New(db)
	st.SkipSchemaBootstrap()
	return st
}

type transcriptRow struct {
	State            string
	RawTranscription string
}

func readTranscriptRow(t *testing.T, st *store.Store, uniqueID string) transcriptRow {
	t.Helper()
	var row transcriptRow
	err := st.DB().Raw(`SELECT state, raw_transcription FROM transcripts WHERE unique_id = ?`, uniqueID).
		Row().Scan(&row.State, &row.RawTranscription)
	require.NoError(t, err)
	return row
}

func writeFakeEnrichmentWorker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enrichment-worker.sh")
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"ok\":true}'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// Scenario (a): no-persist passthrough. No store is attached at all; the
// handler must still transcribe and respond without touching persistence.
func TestHandleGetTranscription_NoPersistPassthrough(t *testing.T) {
	provider := &fakeBatchProvider{result: providerstt.BatchResult{
		RawTranscription: "Channel 0: hi\nChannel 1: hello",
		DetectedLanguage: "en",
	}}
	s := newTranscriptionTestServer(t, provider, nil)

	req := newWavUploadRequest(t, map[string]string{"uniqueid": "1700000000.1"})
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Channel 0: hi\nChannel 1: hello", body["transcript"])
	require.Equal(t, "en", body["detected_language"])
	_, hasUniqueID := body["uniqueid"]
	require.False(t, hasUniqueID, "response must not echo uniqueid")
}

// Scenario (b): persist + channel renaming + summary-gated state
// transitions. The enrichment worker is a tiny shell script standing in for
// the real subprocess, so the progress -> summarizing -> done sequence runs
// through the real handler code path end to end.
func TestHandleGetTranscription_PersistRenamesAndSummarizes(t *testing.T) {
	st := newSQLiteTestStore(t)
	provider := &fakeBatchProvider{result: providerstt.BatchResult{
		RawTranscription: "Channel 0: hi there\nChannel 1: hello",
		DetectedLanguage: "en",
	}}

	s := newTranscriptionTestServer(t, provider, st)
	s.openAIKey = "test-key"
	s.enrichmentWorkerPath = writeFakeEnrichmentWorker(t)

	req := newWavUploadRequest(t, map[string]string{
		"uniqueid":      "1700000000.2",
		"persist":       "true",
		"summary":       "true",
		"channel0_name": "Agent",
		"channel1_name": "Caller",
	})
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Agent: hi there\nCaller: hello", body["transcript"])

	row := readTranscriptRow(t, st, "1700000000.2")
	require.Equal(t, string(store.StateDone), row.State)
	require.Equal(t, "Agent: hi there\nCaller: hello", row.RawTranscription)
}

// Scenario (b'): persisting without requesting a summary never reaches the
// enrichment worker and lands directly on "done".
func TestHandleGetTranscription_PersistWithoutSummarySkipsEnrichment(t *testing.T) {
	st := newSQLiteTestStore(t)
	provider := &fakeBatchProvider{result: providerstt.BatchResult{
		RawTranscription: "Channel 0: hi\nChannel 1: hello",
		DetectedLanguage: "en",
	}}
	s := newTranscriptionTestServer(t, provider, st)
	s.openAIKey = "test-key"
	s.enrichmentWorkerPath = "/nonexistent/enrichment-worker-must-not-run"

	req := newWavUploadRequest(t, map[string]string{
		"uniqueid": "1700000000.3",
		"persist":  "true",
	})
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	row := readTranscriptRow(t, st, "1700000000.3")
	require.Equal(t, string(store.StateDone), row.State)
}

// Scenario (c): provider timeout surfaces as 504 with a body containing
// "timed out", per the documented batch API contract.
func TestHandleGetTranscription_ProviderTimeout(t *testing.T) {
	provider := &fakeBatchProvider{
		err: apperr.Upstream("deepgram batch transcription request", context.DeadlineExceeded),
	}
	s := newTranscriptionTestServer(t, provider, nil)

	req := newWavUploadRequest(t, map[string]string{"uniqueid": "1700000000.4"})
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "timed out")
}

// Persisted failures (unknown provider name, provider errors) must mark the
// row failed rather than leaving it stuck in "progress".
func TestHandleGetTranscription_PersistMarksFailedOnProviderError(t *testing.T) {
	st := newSQLiteTestStore(t)
	provider := &fakeBatchProvider{err: apperr.UpstreamStatus("deepgram returned 500", 500)}
	s := newTranscriptionTestServer(t, provider, st)

	req := newWavUploadRequest(t, map[string]string{
		"uniqueid": "1700000000.5",
		"persist":  "true",
	})
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, 500, rec.Code, rec.Body.String())
	row := readTranscriptRow(t, st, "1700000000.5")
	require.Equal(t, string(store.StateFailed), row.State)
}
