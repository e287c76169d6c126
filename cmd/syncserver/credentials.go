package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/cliui"
	"github.com/docsync/docsync/internal/config"
	"github.com/docsync/docsync/internal/model"
	"github.com/docsync/docsync/internal/serverstore"
	"github.com/docsync/docsync/internal/transport"
)

var generateCredentialsCmd = &cobra.Command{
	Use:   "generate-credentials",
	Short: "Generate a new API key/secret pair for a client application",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			return fmt.Errorf("generate-credentials: --name is required")
		}
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, err := serverstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		apiKey, secret, err := transport.GenerateCredentials()
		if err != nil {
			return fmt.Errorf("generate credentials: %w", err)
		}

		creds := serverstore.NewCredentialRepo(db)
		if err := creds.Create(ctx, model.APICredential{
			APIKey: apiKey, Secret: secret, Name: name, Active: true, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("store credential: %w", err)
		}

		cliui.Credential(name, apiKey, secret)
		return nil
	},
}

func init() {
	generateCredentialsCmd.Flags().String("name", "", "name identifying the client application")
	generateCredentialsCmd.Flags().StringP("config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(generateCredentialsCmd)
}
