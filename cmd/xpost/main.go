// xpost はトピックから X 向けの投稿本文と候補画像を生成し、下書き履歴を管理する CLI です。
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shouni/x-post-kit/pkg/config"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "xpost",
	Short: "Generate, review and publish X posts with AI images",
	Long: `xpost turns a topic into a post draft plus three candidate images.

Each invocation restores the last session, applies one command and saves it again,
so a draft can be generated, edited, re-rolled and posted across several calls.
Drafts live in a bounded per-user history (15 entries, pinned entries exempt).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = loaded
		setupLogger(cmd.ErrOrStderr(), cfg, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print the session state as JSON")

	rootCmd.AddCommand(generateCmd, editCmd, regenerateCmd, selectCmd, sourceCmd, uploadCmd,
		postCmd, scheduleCmd, discardCmd, statusCmd, historyCmd)
	historyCmd.AddCommand(historyListCmd, historyDeleteCmd, historyPinCmd, historyUseCmd, historyPostCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if v := os.Getenv("XPOST_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "xpost.yaml"
	}
	return filepath.Join(home, ".xpost", "config.yaml")
}

// setupLogger は設定に従って既定の slog ハンドラを差し替えます。
func setupLogger(w io.Writer, cfg *config.Config, verbose bool) {
	level, _ := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Logging.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}
