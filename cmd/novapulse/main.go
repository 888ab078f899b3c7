// Command novapulse runs the automated cryptocurrency trading supervisor:
// market data ingestion, multi-timeframe confluence detection, risk-gated
// sizing, and order execution, all behind a small operator control plane.
package main

import (
	"context"
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

	"github.com/novapulse/supervisor/internal/cache"
	"github.com/novapulse/supervisor/internal/confluence"
	"github.com/novapulse/supervisor/internal/controlplane"
	"github.com/novapulse/supervisor/internal/exchange"
	"github.com/novapulse/supervisor/internal/execution"
	"github.com/novapulse/supervisor/internal/ledger"
	"github.com/novapulse/supervisor/internal/risk"
	"github.com/novapulse/supervisor/internal/strategy"
	"github.com/novapulse/supervisor/internal/supervisor"
	"github.com/novapulse/supervisor/internal/telemetry"
	"github.com/novapulse/supervisor/pkg/config"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "novapulse",
		Short: "Automated cryptocurrency trading supervisor",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd(), validateConfigCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading supervisor until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor()
		},
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: tenant=%s pairs=%v paper_mode=%v backend=%s\n",
				cfg.Tenant, cfg.Pairs, cfg.PaperMode, cfg.Ledger.Backend)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running supervisor's control plane for its current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/status", addr))
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			defer resp.Body.Close()
			_, err = fmt.Fprintln(os.Stdout, resp.Status)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8081", "control plane address")
	return cmd
}

func runSupervisor() error {
	_ = godotenv.Load() // optional; missing .env is not an error

	logger := setupLogger(logLevel)
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("starting novapulse",
		zap.String("tenant", cfg.Tenant),
		zap.Strings("pairs", cfg.Pairs),
		zap.Bool("paper_mode", cfg.PaperMode),
		zap.Bool("canary", cfg.Canary),
	)

	store, err := ledger.Open(logger, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	marketCache := cache.New(logger, cache.Config{
		OutlierThresholdPct: cfg.Trading.OutlierThresholdPct,
		BookTopLevels:       10,
	})

	events := make(chan exchange.Event, 256)
	adapter := exchange.NewBinanceAdapter(logger, exchange.BinanceConfig{
		APIKey:           cfg.Exchange.APIKey,
		APISecret:        cfg.Exchange.APISecret,
		BaseURL:          cfg.Exchange.BaseURL,
		WSURL:            cfg.Exchange.WSURL,
		RateLimitPerSec:  cfg.Exchange.RateLimitPerSec,
		RateLimitBurst:   cfg.Exchange.RateLimitBurst,
		RequestTimeout:   cfg.Exchange.RequestTimeout,
		ReconnectDelay:   cfg.Exchange.ReconnectDelay,
		OrderIDCacheSize: cfg.Exchange.OrderIDCacheSize,
	}, events)

	registry := strategy.NewRegistry()
	confluenceEngine := confluence.NewEngine(logger, cfg.Confluence, cfg.Regime, cfg.Risk, registry)
	riskMgr := risk.NewManager(logger, cfg.Risk, cfg.Confluence)
	executor := execution.NewExecutor(logger, cfg.Trading, cfg.Risk, cfg.Exchange, adapter, marketCache, store, riskMgr, cfg.PaperMode)

	sup := supervisor.New(logger, *cfg, adapter, marketCache, confluenceEngine, riskMgr, executor, store, events)

	metrics := telemetry.New()
	metricsServer := &http.Server{Addr: cfg.Monitoring.MetricsAddr, Handler: metrics.Handler()}
	control := controlplane.NewServer(logger, cfg.Monitoring.ControlPlaneAddr, sup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Init(); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := sup.Warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	if err := sup.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	go func() {
		if err := control.Start(); err != nil {
			logger.Error("control plane error", zap.Error(err))
		}
	}()
	go sup.Run(ctx)

	logger.Info("novapulse started",
		zap.String("control_plane", cfg.Monitoring.ControlPlaneAddr),
		zap.String("metrics", cfg.Monitoring.MetricsAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	sup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := control.Stop(shutdownCtx); err != nil {
		logger.Error("control plane shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("novapulse stopped")
	return nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
