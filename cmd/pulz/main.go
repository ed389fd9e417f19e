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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"pulz/internal/broadcast"
	"pulz/internal/classify"
	"pulz/internal/config"
	"pulz/internal/connector"
	"pulz/internal/execution"
	"pulz/internal/logging"
	"pulz/internal/mission"
	"pulz/internal/proposal"
	"pulz/internal/server"
	"pulz/internal/store"
	"pulz/internal/telemetry"
)

var (
	// Global flags
	verbose bool
	addr    string
	dataDir string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pulz",
	Short: "PulZ - opportunity ingestion and fulfilment engine",
	Long: `PulZ scans public feeds for buildable requests, scores them with a
keyword heuristic (optionally refined by a local LLM), queues proposals
for operator review and renders approved work into deliverable
artifacts: HTML pages, PDFs, documents and static sites.

Run without arguments to start the engine server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

// serveCmd runs the engine server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP API",
	Long: `Starts the engine: opens the store, loads the source catalogue,
and serves the API under /api/pulz until interrupted.`,
	RunE: runServe,
}

// sourcesCmd lists the configured sources
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the configured scan sources",
	RunE:  listSources,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config and DATA_DIR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if verbose {
		cfg.Debug = true
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.DataDir, cfg.Debug); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("PulZ starting: data_dir=%s addr=%s", cfg.DataDir, cfg.Addr)

	s, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	catalogue, err := connector.NewCatalogue(cfg.SourcesPath())
	if err != nil {
		return fmt.Errorf("failed to load source catalogue: %w", err)
	}
	defer catalogue.Close()

	bus := broadcast.New(broadcast.DefaultBuffer)
	defer bus.Close()
	rec := telemetry.NewRecorder(s, cfg.Rate)
	mgr := execution.NewManager(s, bus, rec, cfg.ArtifactsDir(), nil)
	svc := proposal.NewService(s, mgr, rec, bus)

	var refine mission.RefineFunc
	if cfg.Ollama.URL != "" {
		refine = classify.NewOllama(cfg.Ollama.URL, cfg.Ollama.Model).Refine
		logging.Boot("LLM refinement enabled: %s (%s)", cfg.Ollama.URL, cfg.Ollama.Model)
	}
	engine := mission.NewEngine(s, bus, rec, mgr, svc, catalogue, refine)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.New(cfg, s, engine, svc, mgr, rec, bus, nil).Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Boot("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	engine.Stop()
	mgr.Shutdown()
	logging.Boot("PulZ stopped")
	return nil
}

func listSources(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalogue, err := connector.NewCatalogue(cfg.SourcesPath())
	if err != nil {
		return err
	}
	defer catalogue.Close()

	for _, name := range catalogue.Names() {
		fmt.Println(name)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
