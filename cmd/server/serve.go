package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/api"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/input"
)

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.HTTPPort = port
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			audio := input.NewBufferedCaptureDevice("audio/webm")
			dictation := input.NewFeedEngine()
			notifications := input.NewNotificationQueue(0, logger)
			arbiter := input.NewInputArbiter(a.chat, a.transcriber, input.Sources{
				Recorder:    input.NewVoiceCaptureSource(audio),
				Dictation:   input.NewSpeechDictationSource(dictation, logger),
				Attachments: input.NewAttachmentSource(a.extractor),
			}, notifications,
				input.WithSendFileLabel(cfg.SendFileLabel),
				input.WithArbiterLogger(logger))

			apiHandler := api.NewAPIHandler(a.chat, api.Composer{
				Arbiter:       arbiter,
				Audio:         audio,
				Dictation:     dictation,
				Notifications: notifications,
			}, logger)

			var limiter *api.RateLimiter
			if cfg.RateLimitRPS > 0 {
				limiter = api.NewRateLimiter(cfg.RateLimitRPS)
			}

			serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
			srv := &http.Server{
				Addr:         serverAddr,
				Handler:      api.NewRouter(apiHandler, limiter),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 120 * time.Second, // completions can take a while
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting server", "addr", serverAddr, "default_model", cfg.DefaultModel)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
				}
				close(errCh)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case err, ok := <-errCh:
				if ok {
					return err
				}
				return nil
			case <-quit:
			}
			logger.Info("shutting down server")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("server exiting gracefully")
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides HTTP_PORT)")
	return cmd
}
