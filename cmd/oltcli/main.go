package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/pkg/logger"
)

// Version 可通过 -ldflags 指定
var Version = "1.0.0"

var (
	cfgFile       string
	logLevel      string
	transportFlag string
)

var rootCmd = &cobra.Command{
	Use:           "oltcli",
	Short:         "Drive OLT command lines over telnet, ssh or raw tcp",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&transportFlag, "transport", "", "override cli.transport (telnet|ssh|tcp)")
}

// loadConfig 读取配置并初始化日志；日志级别以命令行参数为准
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.Log.Level = logLevel
	if err := logger.Init(cfg.Log.Logger()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
