// Command clobd runs the prediction-market order book engine and its
// operational tooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prediqt/clob/config"
	"github.com/prediqt/clob/core"
	"github.com/prediqt/clob/marketdata"
	"github.com/prediqt/clob/markets"
	"github.com/prediqt/clob/metrics"
	"github.com/prediqt/clob/persistence"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "clobd",
		Short: "Binary prediction-market order book engine",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (YAML)")

	root.AddCommand(serveCmd(), replayCmd(), snapshotsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			var directory markets.Directory
			if cfg.Markets.BaseURL != "" {
				directory = markets.NewHTTPDirectory(
					cfg.Markets.BaseURL, cfg.Markets.Timeout(), cfg.Markets.CacheTTL())
			} else {
				directory = markets.NewStaticDirectory()
			}

			opts := []core.Option{
				core.WithLogger(logger),
				core.WithDirectory(directory),
			}

			var collector *metrics.Collector
			if cfg.Metrics.Enabled {
				collector = metrics.NewCollector()
				opts = append(opts, core.WithMetrics(collector))
			}

			engine, err := core.New(cfg, opts...)
			if err != nil {
				return err
			}
			if err := engine.Start(); err != nil {
				return err
			}

			var servers []*http.Server
			if collector != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", collector.Handler())
				srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
				servers = append(servers, srv)
				go func() {
					logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", "error", err)
					}
				}()
			}

			var publisher *marketdata.Publisher
			if cfg.MarketData.Enabled {
				publisher = marketdata.NewPublisher(logger)
				stream, _ := engine.Subscribe(0)
				publisher.Run(stream)

				mux := http.NewServeMux()
				mux.Handle("/ws", publisher)
				srv := &http.Server{Addr: cfg.MarketData.Addr, Handler: mux}
				servers = append(servers, srv)
				go func() {
					logger.Info("market data listening", "addr", cfg.MarketData.Addr)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("market data server failed", "error", err)
					}
				}()
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, srv := range servers {
				_ = srv.Shutdown(shutdownCtx)
			}
			if publisher != nil {
				publisher.Stop()
			}
			return engine.Stop()
		},
	}
}

func replayCmd() *cobra.Command {
	var walDir string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print every parseable WAL event in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if walDir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				walDir = cfg.Persistence.WALPath
			}
			entries, err := persistence.ReadAllEntries(walDir)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stderr, "%d events\n", len(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&walDir, "wal-dir", "", "WAL directory (defaults to configured walPath)")
	return cmd
}

func snapshotsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshot files, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Persistence.SnapshotPath
			}
			snaps, err := persistence.NewSnapshotter(dir)
			if err != nil {
				return err
			}
			names, err := snaps.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "snapshot directory (defaults to configured snapshotPath)")
	return cmd
}
