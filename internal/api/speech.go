package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nethesis/satellite/internal/apperr"
)

// handleGetSpeech implements POST /api/get_speech (§4.7).
func (s *Server) handleGetSpeech(c *gin.Context) {
	text := c.Query("text")
	if text == "" {
		text = c.PostForm("text")
	}
	if text == "" {
		c.JSON(400, gin.H{"error": "text is required"})
		return
	}
	language := firstNonEmptyQuery(c, "language")
	model := firstNonEmptyQuery(c, "model")

	audio, err := s.tts.Synthesize(c.Request.Context(), text, language, model)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	filename := fmt.Sprintf("speech-%s.mp3", uuid.NewString()[:8])
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, "audio/mpeg", audio)
}

func firstNonEmptyQuery(c *gin.Context, key string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	return c.PostForm(key)
}

// handleGetModels implements GET /api/get_models?language=<code>.
func (s *Server) handleGetModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": modelsForLanguage(c.Query("language"))})
}
