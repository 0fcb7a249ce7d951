package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// Flags override the USCORE_* environment loaded by internal/config.
var (
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}
	TraceFlag = &cli.BoolFlag{
		Name:  "trace",
		Usage: "Export OpenTelemetry spans to stderr",
	}

	URLFlag = &cli.StringFlag{
		Name:  "url",
		Usage: "FHIR server base URL",
	}
	AccessTokenFlag = &cli.StringFlag{
		Name:  "access-token",
		Usage: "Bearer token for the FHIR server",
	}
	CredentialsFlag = &cli.StringFlag{
		Name:  "credentials",
		Usage: "OAuth credentials as JSON, or @path to a JSON file",
	}
	PatientIDFlag = &cli.StringFlag{
		Name:  "patient-id",
		Usage: "Patient resource id used by the patient-scoped groups",
	}
	InputFlag = &cli.StringSliceFlag{
		Name:  "input",
		Usage: "Extra input as name=value; repeatable",
	}
	PresetFlag = &cli.StringSliceFlag{
		Name:  "preset",
		Usage: "YAML or TOML preset file; repeat to run several targets concurrently",
	}
	SuiteFlag = &cli.StringFlag{
		Name:  "suite",
		Value: "us_core_test_suite",
		Usage: "Suite to run when no preset names one",
	}
	ValidatorURLFlag = &cli.StringFlag{
		Name:  "validator-url",
		Usage: "Profile validator base URL (default $VALIDATOR_URL)",
	}
	LocalValidatorFlag = &cli.BoolFlag{
		Name:  "local-validator",
		Usage: "Validate in-process with the built-in profiles instead of calling a validator service",
	}
	ProfileDirFlag = &cli.StringFlag{
		Name:  "profile-dir",
		Usage: "Directory of extra *.schema.json profiles",
	}
	RequestTimeoutFlag = &cli.DurationFlag{
		Name:  "request-timeout",
		Usage: "Timeout of each FHIR request",
	}
	RetryMaxFlag = &cli.IntFlag{
		Name:  "retry-max",
		Usage: "Retries of idempotent FHIR requests on 429/503",
	}
	ConcurrencyFlag = &cli.IntFlag{
		Name:  "concurrency",
		Usage: "Independent runs executed at once",
	}
	FormatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Report format on stdout: table, text, json, yaml",
	}
	ReportDirFlag = &cli.StringFlag{
		Name:  "report-dir",
		Usage: "Also write each report to this directory",
	}
	ArchiveFlag = &cli.BoolFlag{
		Name:  "archive",
		Usage: "Upload reports to the USCORE_S3_BUCKET bucket",
	}

	AddrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Listen address",
	}
	SeedFlag = &cli.StringSliceFlag{
		Name:  "seed",
		Usage: "Bundle, array or resource JSON file loaded after the default data; repeatable",
	}
	EmptyFlag = &cli.BoolFlag{
		Name:  "empty",
		Usage: "Start without the default US Core data",
	}
	BearerTokenFlag = &cli.StringFlag{
		Name:  "bearer-token",
		Usage: "Require this bearer token on resource routes",
	}
	ClientIDFlag = &cli.StringFlag{
		Name:  "client-id",
		Usage: "Enable the token endpoint for this OAuth client",
	}
	ClientSecretFlag = &cli.StringFlag{
		Name:  "client-secret",
		Usage: "OAuth client secret; empty accepts public clients",
	}
	RefreshTokenFlag = &cli.StringFlag{
		Name:  "refresh-token",
		Usage: "Refresh token the token endpoint accepts",
	}
	TokenTTLFlag = &cli.DurationFlag{
		Name:  "token-ttl",
		Value: time.Hour,
		Usage: "Lifetime of issued access tokens",
	}
)
