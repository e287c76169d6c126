package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/cliui"
	"github.com/docsync/docsync/internal/config"
	"github.com/docsync/docsync/internal/logging"
	"github.com/docsync/docsync/internal/serverengine"
	"github.com/docsync/docsync/internal/serverstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}

		logger := logging.New("syncserver", &logging.Options{Path: cfg.LogPath})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if configPath != "" {
			if watcher, err := config.NewWatcher(); err != nil {
				logger.Printf("config watch disabled: %v", err)
			} else if err := watcher.Start(configPath); err != nil {
				logger.Printf("config watch disabled: %v", err)
			} else {
				defer func() { _ = watcher.Stop() }()
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-watcher.Changed():
							logger.Printf("config file %s changed; restart syncserver to apply", configPath)
						}
					}
				}()
			}
		}

		if err := serverstore.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		db, err := serverstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		srv := serverengine.New(db, &serverengine.Config{
			Addr: cfg.ListenAddr, HeartbeatInterval: cfg.HeartbeatInterval, Logger: logger,
		})
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start server: %w", err)
		}

		cliui.Banner(srv.Addr())
		cliui.Success("press Ctrl+C to stop")

		<-ctx.Done()

		cliui.Success("shutting down")
		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}
