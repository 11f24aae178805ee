package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/obiente/voicebridge/internal/config"
	serverhttp "github.com/obiente/voicebridge/internal/http"
	"github.com/obiente/voicebridge/internal/llm"
	"github.com/obiente/voicebridge/internal/realtime"
	"github.com/obiente/voicebridge/internal/speech"
	"github.com/obiente/voicebridge/internal/translation"
	"github.com/obiente/voicebridge/internal/whisper"
	"github.com/obiente/voicebridge/internal/ws"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr     string
		mode     string
		logLevel string
		envFiles []string
		pretty   bool
	)
	cmd := &cobra.Command{
		Use:           "voicebridge",
		Short:         "WebSocket voice assistant bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotenv(envFiles...); err != nil {
				return err
			}
			setupLogging(logSettings(cmd, logLevel, pretty))

			cfg := config.Load()
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("mode") {
				cfg.Mode = mode
			}
			if err := cfg.Validate(); err != nil {
				log.Error().Err(err).Msg("configuration rejected")
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":5000", "listen address (overrides VOICEBRIDGE_ADDR)")
	f.StringVar(&mode, "mode", config.ModePipeline, "pipeline or realtime (overrides VOICEBRIDGE_MODE)")
	f.StringVar(&logLevel, "log-level", "info", "zerolog level (overrides LOG_LEVEL)")
	f.StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	f.BoolVar(&pretty, "pretty", false, "human readable console logs (overrides LOG_PRETTY)")
	return cmd
}

// logSettings resolves LOG_LEVEL and LOG_PRETTY once .env files are loaded.
// Flags given on the command line win.
func logSettings(cmd *cobra.Command, level string, pretty bool) (string, bool) {
	if !cmd.Flags().Changed("log-level") {
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			level = v
		}
	}
	if !cmd.Flags().Changed("pretty") {
		if v, err := strconv.ParseBool(os.Getenv("LOG_PRETTY")); err == nil {
			pretty = v
		}
	}
	return level, pretty
}

func setupLogging(level string, pretty bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.Level(lvl)
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     serverhttp.NewRouter(cfg, ws.NewServer(cfg, deps)),
		ReadTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("mode", cfg.Mode).Msg("voicebridge server starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildDeps wires the backends for cfg.Mode. cleanup releases shared clients.
func buildDeps(ctx context.Context, cfg config.Config) (ws.Deps, func(), error) {
	if cfg.Mode == config.ModeRealtime {
		rc := realtime.Config{URL: cfg.RealtimeURL, Model: cfg.RealtimeModel, APIKey: cfg.OpenAIAPIKey}
		return ws.Deps{
			DialRealtime: func(ctx context.Context) (*realtime.Client, error) {
				return realtime.Dial(ctx, rc)
			},
		}, func() {}, nil
	}

	deps := ws.Deps{
		Responder: llm.WithFallback(llm.NewOpenAI(llm.Options{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Style:        cfg.CompletionStyle,
			Model:        cfg.CompletionModel,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  float32(cfg.Temperature),
			Timeout:      time.Duration(cfg.CompletionTimeoutSec) * time.Second,
		}), cfg.FallbackText),
		Translator: translation.New(cfg.TranslationBaseURL, cfg.ResponseLanguage, cfg.TranslationTimeoutSec),
	}

	switch cfg.SpeechBackend {
	case config.BackendWhisper:
		engine, err := whisper.NewEngine(whisper.Options{
			ModelPath: cfg.WhisperModelPath,
			Language:  whisper.BaseLanguage(cfg.SpeechLanguage),
		})
		if err != nil {
			return ws.Deps{}, nil, fmt.Errorf("load whisper model: %w", err)
		}
		// One engine serves every session; each pass carries the session language.
		deps.NewRecognizer = func(language string) (speech.Recognizer, error) {
			return speech.NewWhisper(engine, cfg.SampleRate, language), nil
		}
		return deps, func() { _ = engine.Close() }, nil
	default:
		g, err := speech.NewGoogle(ctx, speech.GoogleConfig{
			LanguageCode:    cfg.SpeechLanguage,
			SampleRate:      cfg.SampleRate,
			Encoding:        cfg.Encoding,
			Diarization:     cfg.SpeechDiarization,
			InterimResults:  cfg.SpeechInterimResults,
			Punctuation:     cfg.SpeechPunctuation,
			Model:           cfg.SpeechModel,
			CredentialsFile: cfg.GoogleCredentialsFile,
		})
		if err != nil {
			return ws.Deps{}, nil, err
		}
		deps.NewRecognizer = func(language string) (speech.Recognizer, error) {
			return g.WithLanguage(language), nil
		}
		return deps, func() { _ = g.Close() }, nil
	}
}
