package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/monitoring"
	"github.com/driftsync/driftsync/internal/server"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/tracing"
	"github.com/driftsync/driftsync/pkg/driftsync"
)

func main() {
	root := &cobra.Command{
		Use:   "driftsync",
		Short: "Local-first data synchronization engine",
	}
	root.AddCommand(newServeCmd(), newSyncCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Tracing.JaegerEndpoint != "" {
				tp, err := tracing.InitTracer("driftsync-gateway", cfg.Tracing.JaegerEndpoint)
				if err != nil {
					logger.Warn("tracing disabled", zap.Error(err))
				} else {
					defer tp.Shutdown(context.Background())
				}
			}

			fs, err := store.NewFileStore(cfg.Store.DataDir)
			if err != nil {
				return err
			}
			defer fs.Close()

			metrics := monitoring.NewMetrics(nil)
			srv, err := server.New(cfg, fs, metrics, logger.Logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

func newSyncCmd() *cobra.Command {
	var (
		dataDir    string
		configPath string
		url        string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync attempt for a local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientOpts := config.DefaultClientOptions()
			if configPath != "" {
				loaded, err := config.LoadClientOptions(configPath)
				if err != nil {
					return err
				}
				clientOpts = loaded
			}
			if url != "" {
				clientOpts.Sync.URL = url
			}
			if clientOpts.Sync.URL == "" {
				return fmt.Errorf("no gateway URL: pass --url or set sync.url in the config file")
			}
			clientOpts.Sync.EnableWebSocket = false

			logger, err := logging.NewLogger("info", "console")
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := driftsync.New(cmd.Context(), driftsync.Options{
				DataDir: dataDir,
				Client:  clientOpts,
				Logger:  logger.Logger,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := db.Sync(ctx); err != nil {
				return err
			}

			state := db.SyncState()
			fmt.Printf("synced: lastSyncAt=%d pending=%d\n", state.LastSyncAt, state.PendingCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "local replica directory")
	cmd.Flags().StringVar(&configPath, "config", "", "client options YAML file")
	cmd.Flags().StringVar(&url, "url", "", "gateway URL")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print gateway sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url+"/api/sync/status", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var status map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "gateway URL")
	return cmd
}
