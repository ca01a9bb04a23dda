package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nethesis/satellite/internal/commons"
	providerstt "github.com/nethesis/satellite/internal/providers/stt"
	"github.com/nethesis/satellite/internal/providers/tts"
	"github.com/nethesis/satellite/internal/store"
)

// Server is the Batch HTTP API (§4.7 C8).
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger commons.Logger

	store *store.Store
	tts   *tts.Provider

	// providerFactory overrides resolveProvider's normal provider
	// construction; nil in production, set by tests to inject a fake
	// BatchProvider without reaching a real STT endpoint.
	providerFactory func(name string) (providerstt.BatchProvider, error)

	apiToken                    string
	defaultProvider              string
	deepgramAPIKey               string
	mistralAPIKey                string
	deepgramTimeoutSeconds       int
	openAIKey                    string
	callProcessorTimeoutSeconds  int
	enrichmentWorkerPath         string
}

// Options configures a Server.
type Options struct {
	Host                        string
	Port                        int
	APIToken                    string
	DefaultProvider              string
	DeepgramAPIKey               string
	MistralAPIKey                string
	DeepgramTimeoutSeconds       int
	OpenAIAPIKey                 string
	CallProcessorTimeoutSeconds int
	EnrichmentWorkerPath         string
	Store                        *store.Store
	TTS                          *tts.Provider
}

// New builds a Server, grounded on the teacher's gin + gin-contrib/cors
// router bootstrap pattern (router/healthcheck.go, router/assistant.go).
func New(opts Options, logger commons.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	s := &Server{
		engine:                      engine,
		logger:                      logger,
		store:                       opts.Store,
		tts:                         opts.TTS,
		apiToken:                    opts.APIToken,
		defaultProvider:             opts.DefaultProvider,
		deepgramAPIKey:              opts.DeepgramAPIKey,
		mistralAPIKey:               opts.MistralAPIKey,
		deepgramTimeoutSeconds:      opts.DeepgramTimeoutSeconds,
		openAIKey:                   opts.OpenAIAPIKey,
		callProcessorTimeoutSeconds: opts.CallProcessorTimeoutSeconds,
		enrichmentWorkerPath:        opts.EnrichmentWorkerPath,
	}

	apiGroup := engine.Group("/api", requireAPIToken(s.apiToken))
	apiGroup.POST("/get_transcription", s.handleGetTranscription)
	apiGroup.POST("/get_speech", s.handleGetSpeech)
	apiGroup.GET("/get_models", s.handleGetModels)

	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	s.http = &http.Server{
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 310 * time.Second,
	}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http.Addr = addr

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http api listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
