package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aldermoor/reedbot/internal/config"
	"github.com/aldermoor/reedbot/internal/store"
)

func migrateCmd() *cobra.Command {
	var configPath string
	c := &cobra.Command{
		Use:   "migrate <bot_id>",
		Short: "Provision a bot's SQLite store ahead of first start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(args[0], configPath)
		},
	}
	c.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: configs/<bot_id>.yaml)")
	return c
}

// runMigrate opens the bot's message store and closes it immediately. Open
// applies the store's CREATE TABLE IF NOT EXISTS / CREATE VIRTUAL TABLE IF
// NOT EXISTS schema unconditionally, so a bare open-then-close is the whole
// migration: it provisions the file without starting the bot itself.
func runMigrate(botID, configPath string) error {
	if configPath == "" {
		configPath = filepath.Join("configs", botID+".yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := filepath.Join("persistence", cfg.BotID+"_messages.db")
	ms, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := ms.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	fmt.Printf("reedbot migrate — %s: schema applied at %s\n", cfg.BotID, dbPath)
	return nil
}
