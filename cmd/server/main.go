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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"xray-chatbot/internal/artifact"
	"xray-chatbot/internal/clinic"
	"xray-chatbot/internal/config"
	"xray-chatbot/internal/core"
	"xray-chatbot/internal/db"
	httpserver "xray-chatbot/internal/http"
	"xray-chatbot/internal/nlu"
	"xray-chatbot/pkg"
)

var rootCmd = &cobra.Command{
	Use:          "chatbot",
	Short:        "X-ray diagnosis chat assistant",
	SilenceUsage: true,
	RunE:         runServer,
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript <session-id>",
	Short: "Print the archived transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscript,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow report-ready notifications from postgres",
	RunE:  runWatch,
}

var (
	flagConfig string
	flagPort   int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", os.Getenv("CHATBOT_CONFIG"), "path to a YAML config file (env CHATBOT_CONFIG)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port, overrides PORT")
	rootCmd.AddCommand(transcriptCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chatbot command")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagPort > 0 {
		cfg.Port = flagPort
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// newRelay builds the NLU relay selected by the configuration.
func newRelay(cfg *config.Config) core.Relay {
	rasa := nlu.NewRasaClient(cfg.RasaURL, cfg.HTTPTimeout)
	openai := func() *nlu.OpenAIRelay {
		return nlu.NewOpenAIRelay(nlu.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel})
	}
	switch cfg.NLUBackend {
	case config.NLUOpenAI:
		return openai()
	case config.NLUFallback:
		return nlu.NewFallbackRelay(nlu.Named{Name: "rasa", Relay: rasa}, nlu.Named{Name: "openai", Relay: openai()})
	default:
		return rasa
	}
}

// newReportStore opens the configured artifact store.
func newReportStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.ReportStore {
	case config.StoreRedis:
		return artifact.NewRedisStore(ctx, artifact.RedisOptions{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.ReportTTL,
		})
	case config.StorePebble:
		return artifact.OpenPebbleStore(cfg.PebblePath, cfg.ReportTTL)
	default:
		return artifact.NewMemoryStore(cfg.ReportTTL), nil
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newReportStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}
	defer store.Close()
	publisher := artifact.NewPublisher(store, "/api/reports")
	publisher.OnPublish(func(_ context.Context, sessionID string, link pkg.ReportLink) {
		log.Info().Str("session_id", sessionID).Str("report_id", link.ID).Msg("report published")
	})

	opts := httpserver.Options{
		Reports:        store,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
		MaxUploadBytes: cfg.MaxUploadBytes,
		IdleTimeout:    cfg.SessionIdleTimeout,
	}
	if cfg.DatabaseURL != "" {
		repo, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer repo.DB.Close()
		recorder := db.NewRecorder(repo, db.NewNotifier(repo.DB, repo.Dialect, cfg.NotifyChannel), 0)
		defer recorder.Close()
		opts.Archive = recorder
		log.Info().Str("dialect", string(repo.Dialect)).Msg("transcript archive enabled")
	}

	backend := clinic.NewClient(cfg.BackendURL, cfg.HTTPTimeout)
	opts.Deps = core.Dependencies{
		Relay:     newRelay(cfg),
		Predictor: backend,
		Reporter:  backend,
		Directory: backend,
		Publisher: publisher,
	}
	srv := httpserver.NewServer(opts)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	repo, err := db.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer repo.DB.Close()
	transcript, err := repo.GetTranscript(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range transcript {
		fmt.Fprintf(out, "%s [%s] %s\n", m.CreatedAt.Format(time.RFC3339), m.Sender, m.Text)
		if m.Report != nil {
			fmt.Fprintf(out, "    report %s (%s)\n", m.Report.URL, m.Report.Filename)
		}
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if db.DialectFor(cfg.DatabaseURL) != db.Postgres {
		return errors.New("watch needs a postgres DATABASE_URL")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	notices, err := db.Listen(ctx, cfg.DatabaseURL, cfg.NotifyChannel)
	if err != nil {
		return err
	}
	for n := range notices {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", n.SessionID, n.ReportID, n.URL)
	}
	return nil
}
