// Package main implements the uscore command: it runs the US Core suite
// against FHIR servers, serves the profile validator and serves a mock FHIR
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/RegistryAccord/uscore-conformance-go/internal/config"
	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/telemetry"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
)

const configKey = "config"

func main() {
	app := cli.NewApp()
	app.Name = "uscore"
	app.Version = Version
	if GitCommit != "" {
		app.Version += "-" + GitCommit
	}
	app.Usage = "US Core FHIR conformance runner"
	app.Flags = []cli.Flag{LogLevelFlag, TraceFlag}
	app.Before = setup
	app.After = func(*cli.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
		return nil
	}
	app.Commands = []*cli.Command{runCommand, validatorCommand, mockCommand, suitesCommand}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		switch {
		case errors.As(err, &exitErr):
			cli.HandleExitCoder(exitErr)
		case errors.Is(err, errRunFailed):
			// Tests failed: exit code 1
			cli.HandleExitCoder(cli.Exit(err.Error(), 1))
		default:
			// Configuration and runtime errors: exit code 2
			cli.HandleExitCoder(cli.Exit(err.Error(), 2))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(2)
	}
}

// setup loads configuration from the environment, applies global flags and
// configures logging and tracing.
func setup(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return errordefs.Wrap(errordefs.USC_INVALID_INPUT, err, "config load failed")
	}
	if c.IsSet(LogLevelFlag.Name) {
		cfg.LogLevel = c.String(LogLevelFlag.Name)
	}
	if c.IsSet(TraceFlag.Name) {
		cfg.TraceStdout = c.Bool(TraceFlag.Name)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return errordefs.Newf(errordefs.USC_INVALID_INPUT, "invalid log level %q", cfg.LogLevel)
	}
	if cfg.Env == "dev" && !c.IsSet(LogLevelFlag.Name) && os.Getenv("USCORE_LOG_LEVEL") == "" {
		level = slog.LevelDebug
	}
	// Logs go to stderr so rendered reports on stdout stay clean.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.TraceStdout {
		if _, err := telemetry.InitTracer(c.App.Name, c.App.Version, os.Stderr); err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
		}
	}

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func loadedConfig(c *cli.Context) config.Config {
	cfg, _ := c.App.Metadata[configKey].(config.Config)
	return cfg
}
