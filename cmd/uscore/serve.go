package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/RegistryAccord/uscore-conformance-go/internal/fhirtwin"
	"github.com/RegistryAccord/uscore-conformance-go/internal/server"
	"github.com/RegistryAccord/uscore-conformance-go/internal/storage"
)

var validatorCommand = &cli.Command{
	Name:  "validator",
	Usage: "Serve the profile validator and the report API",
	Flags: []cli.Flag{AddrFlag, ProfileDirFlag},
	Action: func(c *cli.Context) error {
		cfg := loadedConfig(c)
		addr := cfg.ValidatorAddr
		if c.IsSet(AddrFlag.Name) {
			addr = c.String(AddrFlag.Name)
		}
		if c.IsSet(ProfileDirFlag.Name) {
			cfg.ProfileDir = c.String(ProfileDirFlag.Name)
		}

		v, err := newProfileValidator(cfg.ProfileDir)
		if err != nil {
			return err
		}

		// PostgreSQL when configured, otherwise reports live in memory
		var store storage.Store
		if cfg.DatabaseDSN != "" {
			store, err = storage.NewPostgres(c.Context, cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("failed to initialize postgres storage: %w", err)
			}
			slog.Info("using postgres storage")
		} else {
			store = storage.NewMemory()
			slog.Info("using in-memory storage")
		}
		defer store.Close()

		handler := server.NewMux(server.Options{
			Validator:          v,
			Reports:            store,
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			MaxBodyBytes:       cfg.MaxBodyBytes,
		})
		return serve(c.Context, addr, handler, "env", cfg.Env)
	},
}

var mockCommand = &cli.Command{
	Name:  "mock",
	Usage: "Serve an in-memory FHIR server seeded with US Core data",
	Flags: []cli.Flag{AddrFlag, SeedFlag, EmptyFlag, BearerTokenFlag, ClientIDFlag, ClientSecretFlag, RefreshTokenFlag, TokenTTLFlag},
	Action: func(c *cli.Context) error {
		cfg := loadedConfig(c)
		addr := stringFlag(c, AddrFlag.Name, cfg.MockAddr)

		twinCfg := fhirtwin.Config{
			BearerToken: stringFlag(c, BearerTokenFlag.Name, cfg.MockBearerToken),
			SkipSeed:    c.Bool(EmptyFlag.Name),
			Logger:      slog.Default(),
		}
		if clientID := stringFlag(c, ClientIDFlag.Name, cfg.MockClientID); clientID != "" {
			twinCfg.OAuth = &fhirtwin.OAuthConfig{
				ClientID:     clientID,
				ClientSecret: stringFlag(c, ClientSecretFlag.Name, cfg.MockClientSecret),
				RefreshToken: stringFlag(c, RefreshTokenFlag.Name, cfg.MockRefreshToken),
				TokenTTL:     c.Duration(TokenTTLFlag.Name),
			}
		}
		twin := fhirtwin.New(twinCfg)

		for _, path := range c.StringSlice(SeedFlag.Name) {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read seed file: %w", err)
			}
			n, err := twin.SeedJSON(data)
			if err != nil {
				return fmt.Errorf("failed to seed %s: %w", path, err)
			}
			slog.Info("seeded resources", "file", path, "count", n)
		}

		return serve(c.Context, addr, twin, "auth", twinCfg.BearerToken != "" || twinCfg.OAuth != nil)
	},
}

func stringFlag(c *cli.Context, name, fallback string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	return fallback
}

// serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, addr string, handler http.Handler, logArgs ...any) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", append([]any{"addr", addr}, logArgs...)...)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
