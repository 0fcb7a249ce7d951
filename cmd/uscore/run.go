package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/RegistryAccord/uscore-conformance-go/conformance"
	"github.com/RegistryAccord/uscore-conformance-go/internal/archive"
	"github.com/RegistryAccord/uscore-conformance-go/internal/config"
	errordefs "github.com/RegistryAccord/uscore-conformance-go/internal/errors"
	"github.com/RegistryAccord/uscore-conformance-go/internal/event"
	"github.com/RegistryAccord/uscore-conformance-go/internal/inputs"
	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
	"github.com/RegistryAccord/uscore-conformance-go/internal/registry"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
	"github.com/RegistryAccord/uscore-conformance-go/internal/runner"
	"github.com/RegistryAccord/uscore-conformance-go/internal/schema"
	"github.com/RegistryAccord/uscore-conformance-go/internal/storage"
)

// errRunFailed marks a run that finished with failed, errored or skipped tests.
var errRunFailed = errors.New("conformance run did not pass")

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a suite against one or more FHIR servers",
	Flags: []cli.Flag{
		URLFlag, AccessTokenFlag, CredentialsFlag, PatientIDFlag, InputFlag, PresetFlag, SuiteFlag,
		ValidatorURLFlag, LocalValidatorFlag, ProfileDirFlag, RequestTimeoutFlag, RetryMaxFlag,
		ConcurrencyFlag, FormatFlag, ReportDirFlag, ArchiveFlag,
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	cfg := loadedConfig(c)
	applyRunFlags(c, &cfg)
	ctx := c.Context

	reg := registry.New()
	if err := conformance.Register(reg); err != nil {
		return err
	}
	targets, err := buildTargets(c, reg)
	if err != nil {
		return err
	}

	sinks, closeSinks, err := buildSinks(ctx, c, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	opts := runner.Options{
		ValidatorURL:         cfg.ValidatorURL,
		RequestTimeout:       cfg.RequestTimeout,
		ValidatorTimeout:     cfg.ValidatorTimeout,
		RetryMax:             cfg.RetryMax,
		ValidatorConcurrency: cfg.ValidatorConcurrency,
		Sinks:                sinks,
	}
	if c.Bool(LocalValidatorFlag.Name) {
		v, err := newProfileValidator(cfg.ProfileDir)
		if err != nil {
			return err
		}
		opts.Validator = v
	}

	reports, err := runner.New(opts).RunMany(ctx, targets, cfg.RunConcurrency)
	if err != nil {
		return err
	}

	failed := 0
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		if err := report.Write(c.App.Writer, rep, report.Format(cfg.ReportFormat)); err != nil {
			return fmt.Errorf("failed to render report: %w", err)
		}
		if rep.Status != model.StatusPass {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d runs", errRunFailed, failed, len(reports))
	}
	return nil
}

func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(ValidatorURLFlag.Name) {
		cfg.ValidatorURL = c.String(ValidatorURLFlag.Name)
	}
	if c.IsSet(ProfileDirFlag.Name) {
		cfg.ProfileDir = c.String(ProfileDirFlag.Name)
	}
	if c.IsSet(RequestTimeoutFlag.Name) {
		cfg.RequestTimeout = c.Duration(RequestTimeoutFlag.Name)
	}
	if c.IsSet(RetryMaxFlag.Name) {
		cfg.RetryMax = c.Int(RetryMaxFlag.Name)
	}
	if c.IsSet(ConcurrencyFlag.Name) {
		cfg.RunConcurrency = c.Int(ConcurrencyFlag.Name)
	}
	if c.IsSet(FormatFlag.Name) {
		cfg.ReportFormat = strings.ToLower(c.String(FormatFlag.Name))
	}
	if c.IsSet(ReportDirFlag.Name) {
		cfg.ReportDir = c.String(ReportDirFlag.Name)
	}
}

// overrides collects inputs given as flags.
func overrides(c *cli.Context) (map[string]string, error) {
	in := map[string]string{}
	for _, kv := range c.StringSlice(InputFlag.Name) {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, errordefs.Newf(errordefs.USC_INVALID_INPUT, "--input %q is not name=value", kv)
		}
		in[name] = value
	}
	for flag, name := range map[string]string{
		URLFlag.Name:         "url",
		AccessTokenFlag.Name: "access_token",
		PatientIDFlag.Name:   "patient_id",
	} {
		if c.IsSet(flag) {
			in[name] = c.String(flag)
		}
	}
	if c.IsSet(CredentialsFlag.Name) {
		creds := c.String(CredentialsFlag.Name)
		if path, ok := strings.CutPrefix(creds, "@"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read credentials: %w", err)
			}
			creds = strings.TrimSpace(string(data))
		}
		in["credentials"] = creds
	}
	return in, nil
}

// buildTargets makes one target per preset, or a single target from flags.
func buildTargets(c *cli.Context, reg *registry.Registry) ([]runner.Target, error) {
	in, err := overrides(c)
	if err != nil {
		return nil, err
	}

	presets := c.StringSlice(PresetFlag.Name)
	if len(presets) == 0 {
		suite, err := reg.Resolve(c.String(SuiteFlag.Name))
		if err != nil {
			return nil, err
		}
		return []runner.Target{{Name: in["url"], Suite: suite, Inputs: in}}, nil
	}

	targets := make([]runner.Target, 0, len(presets))
	for _, path := range presets {
		p, err := inputs.LoadPreset(path)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.USC_INVALID_INPUT, err, "invalid preset")
		}
		suite, err := reg.Resolve(p.Suite)
		if err != nil {
			return nil, err
		}
		name := p.Title
		if name == "" {
			name = path
		}
		targets = append(targets, runner.Target{Name: name, Suite: suite, Inputs: p.Merge(in)})
	}
	return targets, nil
}

// buildSinks wires the configured report consumers. The returned func
// releases their connections.
func buildSinks(ctx context.Context, c *cli.Context, cfg config.Config) ([]report.Sink, func(), error) {
	var sinks []report.Sink
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.ReportDir != "" {
		sinks = append(sinks, report.DirSink{Dir: cfg.ReportDir, Format: report.Format(cfg.ReportFormat)})
	}

	if cfg.DatabaseDSN != "" {
		store, err := storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		closers = append(closers, store.Close)
		sinks = append(sinks, storage.Sink(store))
	}

	if cfg.NATSURL != "" {
		pub := event.NewPublisher(cfg.NATSURL)
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				slog.Warn("failed to close event publisher", "error", err)
			}
		})
		sinks = append(sinks, pub)
	}

	if c.Bool(ArchiveFlag.Name) {
		a, err := archive.New(ctx, archive.Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to initialize report archive: %w", err)
		}
		sinks = append(sinks, a)
	}

	return sinks, closeAll, nil
}

func newProfileValidator(dir string) (*schema.Validator, error) {
	v, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	if dir != "" {
		n, err := v.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load profiles from %s: %w", dir, err)
		}
		slog.Info("profiles loaded", "dir", dir, "count", n)
	}
	return v, nil
}

var suitesCommand = &cli.Command{
	Name:  "suites",
	Usage: "List registered suites and their inputs",
	Action: func(c *cli.Context) error {
		reg := registry.New()
		if err := conformance.Register(reg); err != nil {
			return err
		}
		return listSuites(c.App.Writer, reg)
	},
}

func listSuites(w io.Writer, reg *registry.Registry) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Suite", "Title", "Version", "Inputs", "Tests"})
	for _, s := range reg.Suites() {
		names := make([]string, 0, len(s.Inputs))
		for _, in := range s.Inputs {
			name := in.Name
			if in.Optional {
				name += "?"
			}
			names = append(names, name)
		}
		tw.AppendRow(table.Row{s.ID, s.Title, s.Version, strings.Join(names, ", "), len(s.TestIDs())})
	}
	tw.Render()
	return nil
}
