// Package api is the Batch HTTP API (§4.7 C8): multipart audio upload,
// TTS passthrough, and the model catalog, grounded on the teacher's
// gin-gonic/gin + gin-contrib/cors router layout
// (api/assistant-api/router/*.go).
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireAPIToken enforces §4.7's optional process-wide bearer auth: when
// token is empty, auth is disabled entirely.
func requireAPIToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		presented := bearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.GetHeader("X-Api-Token")
		}
		if presented != token {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing api token"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}
