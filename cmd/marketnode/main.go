// Command marketnode is the entry point for the marketplace node. It loads
// configuration, validates it, wires dependencies, sets up signal handling, and
// starts the application in the configured mode.
//
// The seal subcommand encrypts a daemon password for daemon.password_file:
//
//	marketnode seal -out daemon.pass < password.txt
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/marketnode/internal/app"
	"github.com/alanyoungcy/marketnode/internal/config"
	"github.com/alanyoungcy/marketnode/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal" {
		if err := seal(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "seal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("marketnode starting",
		slog.String("mode", cfg.Mode),
		slog.String("market_id", cfg.Market.ID),
		slog.String("config", *configPath),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("marketnode stopped")
}

// seal reads a secret from stdin and writes it encrypted with the passphrase
// from MARKETNODE_DAEMON_PASSWORD_PASSPHRASE.
func seal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	out := fs.String("out", "daemon.pass", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	passphrase := os.Getenv("MARKETNODE_DAEMON_PASSWORD_PASSPHRASE")
	if passphrase == "" {
		return errors.New("MARKETNODE_DAEMON_PASSWORD_PASSPHRASE is not set")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	sealed, err := crypto.Seal(strings.TrimRight(line, "\r\n"), passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	return nil
}
