package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/config"
	"github.com/lordamdal/beaver-hr-interviewer/internal/guard"
	"github.com/lordamdal/beaver-hr-interviewer/internal/httpserver"
	"github.com/lordamdal/beaver-hr-interviewer/internal/infra/storage"
	"github.com/lordamdal/beaver-hr-interviewer/internal/llm"
	"github.com/lordamdal/beaver-hr-interviewer/internal/orchestrator"
	"github.com/lordamdal/beaver-hr-interviewer/internal/pipeline"
	"github.com/lordamdal/beaver-hr-interviewer/internal/store"
	"github.com/lordamdal/beaver-hr-interviewer/internal/telephony"
	"github.com/lordamdal/beaver-hr-interviewer/internal/transcript"
	"github.com/lordamdal/beaver-hr-interviewer/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	sessions, err := store.NewSQLite(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer sessions.Close()

	media, err := storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	if err != nil {
		log.Fatalf("init media storage: %v", err)
	}

	calls := telephony.NewService(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	})

	var engine tts.Engine
	switch cfg.TTSProvider {
	case "deepgram":
		engine = tts.NewDeepgramEngine(cfg.DeepgramKey, "")
	default:
		engine = tts.NewElevenLabsEngine(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}

	pipe := pipeline.New(
		transcript.NewAssemblyAIClient(cfg.AssemblyAIKey, calls),
		llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID),
		tts.NewSpeaker(engine, media),
		pipeline.Config{
			MaxAttempts:       cfg.MaxStageAttempts,
			BaseBackoff:       cfg.RetryBackoff,
			StageTimeout:      cfg.StageTimeout,
			TranscribeTimeout: cfg.TranscribeTimeout,
		},
	)

	g := guard.New()
	orc := orchestrator.New(sessions, g, pipe, calls, media,
		orchestrator.NewStorageReportSink(media),
		orchestrator.Config{
			BaseURL:         cfg.BaseURL,
			MaxTurns:        cfg.MaxTurns,
			MaxCallDuration: cfg.MaxCallDuration,
			LivenessWindow:  cfg.LivenessWindow,
			ClaimTimeout:    cfg.ClaimTimeout,
			Greeting:        cfg.Greeting,
		})

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()
	go orc.RunWatchdog(watchdogCtx, cfg.WatchdogInterval)

	e := httpserver.New(orc, g, httpserver.Options{
		TwilioAuthToken: cfg.TwilioAuthToken,
		BaseURL:         cfg.BaseURL,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	stopWatchdog()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
