package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/smart-assets/api-go/internal/blob"
	"github.com/example/smart-assets/api-go/internal/config"
	"github.com/example/smart-assets/api-go/internal/detect"
	"github.com/example/smart-assets/api-go/internal/events"
	"github.com/example/smart-assets/api-go/internal/httpapi"
	"github.com/example/smart-assets/api-go/internal/logging"
	"github.com/example/smart-assets/api-go/internal/pipeline"
	"github.com/example/smart-assets/api-go/internal/store"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

const (
	FlagConfig   = "config"
	FlagAddr     = "addr"
	FlagDataDir  = "data-dir"
	FlagLogLevel = "log-level"
	FlagLogFmt   = "log-format"
)

func main() {
	loadDotEnv()
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// RootCmd builds the smart-assets CLI. Running it without a subcommand
// starts the server.
func RootCmd() *cobra.Command {
	v := config.New()
	r := &cobra.Command{
		Use:           "smart-assets",
		Short:         "Video upload, object detection and streaming API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}

	flags := r.PersistentFlags()
	flags.String(FlagConfig, "", "path to a YAML config file")
	flags.String(FlagAddr, ":5000", "listen address")
	flags.String(FlagDataDir, "data", "directory for the record database, uploads and processed videos")
	flags.String(FlagLogLevel, "info", "log level. debug|info|warn|error")
	flags.String(FlagLogFmt, "console", "log format. console|json")
	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}

	r.AddCommand(ServeCmd(v), VersionCmd())
	return r
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	keys := map[string]string{
		"addr":       FlagAddr,
		"data_dir":   FlagDataDir,
		"log.level":  FlagLogLevel,
		"log.format": FlagLogFmt,
	}
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

func ServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Example: `  smart-assets serve --addr :8080
  SMART_ASSETS_DETECTOR_COMMAND=/opt/venv/bin/python smart-assets serve --config smart-assets.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\n", version, commit)
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	file, err := cmd.Flags().GetString(FlagConfig)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v, file)
	if err != nil {
		return err
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	for _, dir := range []string{cfg.DataDir, cfg.UploadDir, cfg.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	records, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer records.Close()

	processedDir, err := filepath.Abs(cfg.ProcessedDir)
	if err != nil {
		return err
	}
	detector, err := detect.NewProcess(detect.Options{
		Command:      cfg.Detector.Command,
		Args:         cfg.Detector.Args,
		Dir:          cfg.Detector.WorkDir,
		Env:          []string{"PROCESSED_DIR=" + processedDir},
		Timeout:      cfg.Detector.Timeout,
		MaxLineBytes: cfg.Detector.MaxLineBytes,
	}, log)
	if err != nil {
		return err
	}

	bus := events.NewBroadcaster()
	defer bus.Close()

	if cfg.MQTT.Broker != "" {
		sink, err := events.DialMQTT(events.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("mqtt mirror disabled")
		} else {
			defer sink.Close()
			go sink.Run(ctx, bus.Subscribe(cfg.Events.Buffer))
			log.Info().Str("topic", events.Topic(cfg.MQTT.TopicPrefix)).Msg("mirroring live events to mqtt")
		}
	}

	processed := blob.LocalFS{Root: cfg.ProcessedDir}
	svc := &pipeline.Service{
		Uploads:      blob.LocalFS{Root: cfg.UploadDir},
		Processed:    processed,
		Records:      records,
		Detector:     detector,
		Events:       bus,
		Log:          log.With().Str("component", "pipeline").Logger(),
		VerifyOutput: cfg.Detector.RequireOutput,
	}
	api := httpapi.Server{
		Processed:      processed,
		Videos:         records,
		Pipeline:       svc,
		Events:         bus,
		Log:            log,
		RoutePrefix:    cfg.RoutePrefix,
		BaseURL:        cfg.BaseURL,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		EventBuffer:    cfg.Events.Buffer,
		Keepalive:      cfg.Events.Keepalive,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("base_url", cfg.BaseURL).
			Str("route_prefix", cfg.RoutePrefix).
			Str("detector", cfg.Detector.Command).
			Msg("API listening")
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	// live listeners never finish on their own
	bus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	stats := bus.Stats()
	log.Info().
		Uint64("events_published", stats.Published).
		Uint64("events_dropped", stats.Dropped).
		Msg("server stopped")
	return nil
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
