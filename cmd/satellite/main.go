// Command satellite is the call-bridging process: it wires the ARI control
// plane, the RTP media plane, the message bus, and the batch HTTP API
// together and drives the call orchestrator off the PBX's event stream,
// grounded on original_source/asterisk_bridge.py's top-level startup and the
// teacher's examples/sip-test/main.go flag/signal/context shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nethesis/satellite/internal/api"
	"github.com/nethesis/satellite/internal/ari"
	"github.com/nethesis/satellite/internal/bus"
	"github.com/nethesis/satellite/internal/commons"
	"github.com/nethesis/satellite/internal/config"
	"github.com/nethesis/satellite/internal/orchestrator"
	"github.com/nethesis/satellite/internal/providers/stt"
	"github.com/nethesis/satellite/internal/providers/tts"
	"github.com/nethesis/satellite/internal/ringbuffer"
	"github.com/nethesis/satellite/internal/rtpserver"
	callconnector "github.com/nethesis/satellite/internal/stt"
	"github.com/nethesis/satellite/internal/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "satellite:", err)
		os.Exit(1)
	}
}

func run() error {
	v, err := config.InitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	logger, err := commons.NewApplicationLogger(commons.LogOptions{Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infow("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	busClient := bus.New(cfg.MQTT.URL, cfg.MQTT.TopicPrefix, cfg.MQTT.Username, cfg.MQTT.Password,
		time.Duration(cfg.MQTT.ReconnectSec)*time.Second, logger)
	busClient.Connect(ctx)
	defer busClient.Disconnect()

	rtp := rtpserver.New(cfg.RTP.Host, cfg.RTP.Port, cfg.RTP.Swap16, cfg.RTP.HeaderSize, logger)
	if err := rtp.Start(); err != nil {
		return fmt.Errorf("start rtp server: %w", err)
	}
	defer rtp.Stop()

	ariClient := ari.New(cfg.Asterisk.URL, cfg.Asterisk.App, cfg.Asterisk.Username, cfg.Asterisk.Password, logger)

	newConn := func(call *orchestrator.Call, streamIn, streamOut *ringbuffer.RingBuffer) orchestrator.Connector {
		provider := stt.NewDeepgramRealtime(cfg.DeepgramAPIKey, call.Language)
		speakers := callconnector.Speakers{
			NameIn:    call.CallerName,
			NumberIn:  call.CallerNumber,
			NameOut:   call.ConnectedName,
			NumberOut: call.ConnectedNumber,
		}
		return callconnector.New(call.ChannelID, streamIn, streamOut, provider, busClient, speakers, call.CallElapsedAtStart, logger)
	}

	orch := orchestrator.New(ariClient, rtp, busClient, fmt.Sprintf("%s:%d", cfg.RTP.Host, cfg.RTP.Port), newConn, logger)

	var transcriptStore *store.Store
	if cfg.Pgvector.IsConfigured() {
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Pgvector.Host, cfg.Pgvector.Port, cfg.Pgvector.User, cfg.Pgvector.Password, cfg.Pgvector.Database)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		transcriptStore = store.New(db)
		if err := transcriptStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure store schema: %w", err)
		}
	} else {
		logger.Warnw("pgvector not configured, persistence endpoints will fail if used")
	}

	ttsProvider := tts.New(cfg.DeepgramAPIKey)

	enrichmentWorkerPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	enrichmentWorkerPath = callworkerPath(enrichmentWorkerPath)

	apiServer := api.New(api.Options{
		Host:                        cfg.HTTPHost,
		Port:                        cfg.HTTPPort,
		APIToken:                    cfg.APIToken,
		DefaultProvider:             cfg.TranscriptionProvider,
		DeepgramAPIKey:              cfg.DeepgramAPIKey,
		MistralAPIKey:               cfg.MistralAPIKey,
		DeepgramTimeoutSeconds:      cfg.DeepgramTimeoutSeconds,
		OpenAIAPIKey:                cfg.OpenAIAPIKey,
		CallProcessorTimeoutSeconds: cfg.CallProcessorTimeoutSeconds,
		EnrichmentWorkerPath:        enrichmentWorkerPath,
		Store:                       transcriptStore,
		TTS:                         ttsProvider,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
		if err := apiServer.Run(ctx, addr); err != nil {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()

	go ari.RunEventLoop(ctx, ariClient, orch.HandleEvent, logger)

	logger.Infow("satellite started",
		"asterisk_url", cfg.Asterisk.URL,
		"rtp_addr", fmt.Sprintf("%s:%d", cfg.RTP.Host, cfg.RTP.Port),
		"http_addr", fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
	)

	select {
	case <-ctx.Done():
		logger.Infow("shutting down")
	case err := <-errCh:
		logger.Errorw("fatal error, shutting down", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	orch.ShutdownSweep(shutdownCtx)

	return nil
}

// callworkerPath derives the sibling callworker binary's path from this
// process's own executable path, matching the cmd/<name> layout both
// binaries are built into.
func callworkerPath(selfPath string) string {
	dir := selfPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i+1] + "callworker"
		}
	}
	return "callworker"
}
