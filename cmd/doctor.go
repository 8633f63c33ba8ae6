package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/aldermoor/reedbot/internal/config"
	"github.com/aldermoor/reedbot/internal/store"
)

func doctorCmd() *cobra.Command {
	var configPath string
	c := &cobra.Command{
		Use:   "doctor <bot_id>",
		Short: "Check a bot's environment and configuration health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(args[0], configPath)
		},
	}
	c.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: configs/<bot_id>.yaml)")
	return c
}

func runDoctor(botID, configPath string) error {
	if configPath == "" {
		configPath = filepath.Join("configs", botID+".yaml")
	}

	fmt.Printf("reedbot doctor — %s\n", botID)
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	fmt.Printf("  Config:   %s", configPath)
	if _, err := os.Stat(configPath); err != nil {
		fmt.Println(" (NOT FOUND)")
		return fmt.Errorf("config not found: %w", err)
	}
	fmt.Println(" (OK)")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return err
	}

	fmt.Println()
	fmt.Println("  Database:")
	dbPath := filepath.Join("persistence", cfg.BotID+"_messages.db")
	ms, err := store.Open(dbPath)
	if err != nil {
		fmt.Printf("    %-10s %s (OPEN FAILED: %s)\n", "Path:", dbPath, err)
	} else {
		fmt.Printf("    %-10s %s (OK)\n", "Path:", dbPath)
		ms.Close()
	}

	fmt.Println()
	fmt.Println("  Memory:")
	memRoot := filepath.Join("memories", cfg.BotID)
	if err := os.MkdirAll(memRoot, 0o755); err != nil {
		fmt.Printf("    %-10s %s (NOT WRITABLE: %s)\n", "Root:", memRoot, err)
	} else {
		probe := filepath.Join(memRoot, ".doctor_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			fmt.Printf("    %-10s %s (NOT WRITABLE: %s)\n", "Root:", memRoot, err)
		} else {
			os.Remove(probe)
			fmt.Printf("    %-10s %s (OK)\n", "Root:", memRoot)
		}
	}

	fmt.Println()
	fmt.Println("  Provider:")
	checkProvider(fmt.Sprintf("Anthropic (%s)", cfg.API.Model), cfg.API.APIKey)

	fmt.Println()
	fmt.Println("  Discord:")
	checkProvider("Bot token", cfg.Discord.Token)
	fmt.Printf("    %-10s %d configured\n", "Servers:", len(cfg.Discord.Servers))

	fmt.Println()
	fmt.Println("Doctor check complete.")
	return nil
}

func checkProvider(name, secret string) {
	if secret == "" {
		fmt.Printf("    %-28s MISSING\n", name+":")
		return
	}
	masked := "****"
	if len(secret) > 8 {
		masked = secret[:4] + "..." + secret[len(secret)-4:]
	}
	fmt.Printf("    %-28s %s\n", name+":", masked)
}
