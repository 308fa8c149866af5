package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFiles   []string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat session client and development peer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./chatsync.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil, "load .env files before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
}

func loadConfig() (*chatsync.Config, error) {
	var loader chatsync.ConfigLoader = &chatsync.FileConfigLoader{Path: configPath}
	if len(envFiles) > 0 {
		loader = &chatsync.EnvConfigLoader{Files: envFiles}
	}
	config, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if err := config.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	return config, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return chatsync.NewLogger(os.Stderr, level)
}
