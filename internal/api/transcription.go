package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nethesis/satellite/internal/apperr"
	providerstt "github.com/nethesis/satellite/internal/providers/stt"
	"github.com/nethesis/satellite/internal/store"
)

var allowedWavTypes = map[string]bool{
	"audio/wav":   true,
	"audio/x-wav": true,
}

// handleGetTranscription implements POST /api/get_transcription (§4.7).
func (s *Server) handleGetTranscription(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(400, gin.H{"error": "file is required"})
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !allowedWavTypes[contentType] {
		c.JSON(400, gin.H{"error": "invalid file type, only WAV files are supported"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read uploaded file"})
		return
	}

	uniqueID := strings.TrimSpace(c.PostForm("uniqueid"))
	persist := strings.EqualFold(c.PostForm("persist"), "true")
	wantSummary := strings.EqualFold(c.PostForm("summary"), "true")
	providerName := c.PostForm("provider")
	channel0Name := c.PostForm("channel0_name")
	channel1Name := c.PostForm("channel1_name")

	if persist {
		if err := store.ValidateUniqueID(uniqueID); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
	}

	var transcriptID int64
	if persist && s.store != nil {
		id, err := s.store.UpsertTranscriptProgress(c.Request.Context(), uniqueID)
		if err != nil {
			c.JSON(500, gin.H{"error": "failed to reserve transcript row"})
			return
		}
		transcriptID = id
	}

	provider, err := s.resolveProvider(providerName)
	if err != nil {
		s.failTranscript(c.Request.Context(), persist, transcriptID)
		status := apperr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	params := formParams(c)
	result, err := provider.Transcribe(c.Request.Context(), audio, contentType, params)
	if err != nil {
		s.failTranscript(c.Request.Context(), persist, transcriptID)
		status := apperr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	raw := applySpeakerNames(result.RawTranscription, channel0Name, channel1Name)

	if persist && s.store != nil {
		if _, err := s.store.UpsertTranscriptRaw(c.Request.Context(), uniqueID, raw); err != nil {
			c.JSON(500, gin.H{"error": "failed to persist transcription"})
			return
		}

		if s.openAIKey != "" && wantSummary && strings.TrimSpace(raw) != "" {
			if err := s.store.SetTranscriptState(c.Request.Context(), transcriptID, store.StateSummarizing); err != nil {
				c.JSON(500, gin.H{"error": "failed to update transcript state"})
				return
			}
			if err := s.runEnrichmentWorker(c.Request.Context(), transcriptID, raw, wantSummary); err != nil {
				_ = s.store.SetTranscriptState(c.Request.Context(), transcriptID, store.StateFailed)
				c.JSON(500, gin.H{"error": "enrichment failed"})
				return
			}
			if err := s.store.SetTranscriptState(c.Request.Context(), transcriptID, store.StateDone); err != nil {
				c.JSON(500, gin.H{"error": "failed to update transcript state"})
				return
			}
		} else {
			if err := s.store.SetTranscriptState(c.Request.Context(), transcriptID, store.StateDone); err != nil {
				c.JSON(500, gin.H{"error": "failed to update transcript state"})
				return
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"transcript":        raw,
		"detected_language": result.DetectedLanguage,
	})
}

func (s *Server) failTranscript(ctx context.Context, persist bool, transcriptID int64) {
	if !persist || s.store == nil || transcriptID == 0 {
		return
	}
	_ = s.store.SetTranscriptState(ctx, transcriptID, store.StateFailed)
}

func (s *Server) resolveProvider(name string) (providerstt.BatchProvider, error) {
	if name == "" {
		name = s.defaultProvider
	}
	if s.providerFactory != nil {
		return s.providerFactory(name)
	}
	return providerstt.NewBatchProvider(name, s.deepgramAPIKey, s.mistralAPIKey, s.deepgramTimeoutSeconds)
}

// formParams collects every form field except "file" and "uniqueid" as
// provider passthrough parameters, mirroring api.py's input_params merge of
// query params and multipart form fields.
func formParams(c *gin.Context) map[string]string {
	out := map[string]string{}
	if c.Request.MultipartForm != nil {
		for k, v := range c.Request.MultipartForm.Value {
			if k == "file" || k == "uniqueid" || len(v) == 0 {
				continue
			}
			out[k] = v[0]
		}
	}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// applySpeakerNames replaces the provider's generic "Channel 0:"/"Speaker 0:"
// (and "...1:") labels with caller-supplied names, per §4.7.
func applySpeakerNames(transcript, channel0Name, channel1Name string) string {
	if channel0Name != "" {
		transcript = strings.ReplaceAll(transcript, "Channel 0:", channel0Name+":")
		transcript = strings.ReplaceAll(transcript, "Speaker 0:", channel0Name+":")
	}
	if channel1Name != "" {
		transcript = strings.ReplaceAll(transcript, "Channel 1:", channel1Name+":")
		transcript = strings.ReplaceAll(transcript, "Speaker 1:", channel1Name+":")
	}
	return transcript
}

// runEnrichmentWorker shells out to the enrichment worker binary (§4.6,
// §12), feeding it the stdin/stdout JSON protocol and enforcing
// CALL_PROCESSOR_TIMEOUT_SECONDS as a parent-side deadline.
func (s *Server) runEnrichmentWorker(ctx context.Context, transcriptID int64, raw string, summary bool) error {
	timeout := time.Duration(s.callProcessorTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.enrichmentWorkerPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	req := fmt.Sprintf(`{"transcript_id":%d,"raw_transcription":%q,"summarize":%t}`, transcriptID, raw, summary)
	if _, err := io.WriteString(stdin, req); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	_ = stdin.Close()

	out, readErr := io.ReadAll(stdout)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return fmt.Errorf("enrichment worker failed: %w (output: %s)", waitErr, truncate(out, 500))
	}
	if readErr != nil {
		return readErr
	}
	if !strings.Contains(string(out), `"ok":true`) {
		return fmt.Errorf("enrichment worker reported failure: %s", truncate(out, 500))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
