// Command fetch runs the first pipeline stage: pull metadata and data
// values from DHIS2 and load them into the configured database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dhis2etl/internal/config"
	"dhis2etl/internal/dhis2"
	"dhis2etl/internal/ingest"
	"dhis2etl/internal/metrics"
	"dhis2etl/internal/metrics/datadog"
	"dhis2etl/internal/storage"

	// register all backends with the storage factory; the config file
	// selects which one to use at runtime.
	_ "dhis2etl/internal/storage/all"
)

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// Unit tests inject a map-backed LookupEnv, fake factories and capture
// stderr; main wires the real implementations.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LookupEnv      func(key string) (string, bool)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	NewRepository  func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewClient      func(baseURL, username, password, jobName string) ingest.Client
	Now            func() time.Time
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	ConfigPath     string
	MetricsBackend string
	DDTagsCSV      string
	FlushEvery     time.Duration
	Validate       bool
	Verbose        bool
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	// A .env alongside the binary is a convenience for local runs; in
	// containers the variables come from the runtime.
	_ = godotenv.Load()

	code := run(context.Background(), os.Args[1:], deps{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		LookupEnv: os.LookupEnv,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		NewRepository: storage.New,
		NewClient: func(baseURL, username, password, jobName string) ingest.Client {
			return dhis2.New(baseURL, username, password, dhis2.WithJobName(jobName))
		},
		Now: time.Now,
	})
	os.Exit(code)
}

// run executes the fetch stage and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: stage failure (DHIS2 or database).
//   - 2: configuration error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	// Backend selection: flag, then METRICS_BACKEND, then none.
	if cfg.MetricsBackend == "" && d.LookupEnv != nil {
		cfg.MetricsBackend, _ = d.LookupEnv("METRICS_BACKEND")
	}

	p, env, code := loadAndValidate(cfg, d, true)
	if code >= 0 {
		return code
	}

	jobName := p.Job
	if jobName == "" {
		jobName = "dhis2_etl"
	}

	closeMetrics := initMetrics(ctx, cfg, d, logger, jobName, "stage:fetch")
	defer closeMetrics()

	repo, err := d.NewRepository(ctx, storage.Config{
		Kind: p.Storage.Kind,
		DSN:  expandDSN(p.Storage.DSN, d.LookupEnv),
	})
	if err != nil {
		logger.Printf("storage: %v", err)
		return 1
	}
	defer repo.Close()

	client := d.NewClient(env.DHIS2BaseURL, env.DHIS2Username, env.DHIS2Password, jobName)

	engine := &ingest.Engine{
		Client: client,
		Repo:   repo,
		Logger: logger,
		Job:    jobName,
		Now:    d.Now,
	}

	started := d.Now()
	runErr := engine.Run(ctx, p.Datasets, env.StartDate, env.EndDate)
	metrics.RecordStage(jobName, "fetch", runErr, time.Since(started))

	if runErr != nil {
		logger.Printf("fetch failed: %v", runErr)
		return 1
	}
	if cfg.Verbose {
		logger.Printf("fetch completed in %s", time.Since(started).Truncate(time.Millisecond))
	}
	return 0
}

// loadAndValidate loads the pipeline config and the environment, printing
// every issue. It returns a non-negative exit code when run should stop
// (validation failure, or -validate success), -1 to continue.
func loadAndValidate(cfg runConfig, d deps, requireDHIS2 bool) (config.Pipeline, config.Env, int) {
	p, err := config.LoadPipeline(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return p, config.Env{}, 2
	}

	issues := config.ValidatePipeline(p)
	env, envIssues := config.LoadEnv(config.LoadEnvOptions{
		Lookup:       d.LookupEnv,
		RequireDHIS2: requireDHIS2,
	})
	issues = append(issues, envIssues...)

	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(d.Stderr, "configuration is invalid: %s\n", cfg.ConfigPath)
		return p, env, 2
	}
	if cfg.Validate {
		fmt.Fprintf(d.Stderr, "configuration is valid: %s\n", cfg.ConfigPath)
		return p, env, 0
	}
	return p, env, -1
}

// initMetrics selects and installs the metrics backend. The returned
// func is the shutdown path; it is safe to call when metrics are off.
func initMetrics(ctx context.Context, cfg runConfig, d deps, logger *log.Logger, jobName, stageTag string) func() {
	switch cfg.MetricsBackend {
	case "datadog":
		if d.BackendFactory == nil {
			logger.Printf("metrics: no backend factory; metrics disabled")
			return func() {}
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), stageTag)
		b, err := d.BackendFactory(ctx, jobName, tags, cfg.FlushEvery)
		if err != nil {
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		metrics.SetBackend(b)
		return func() {
			_ = metrics.Flush()
			if err := b.Close(); err != nil {
				logger.Printf("metrics: datadog close/flush error: %v", err)
			}
			metrics.SetBackend(nil)
		}
	case "", "none":
		return func() {}
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", cfg.MetricsBackend)
		return func() {}
	}
}

// expandDSN substitutes ${VAR} placeholders from the environment. An
// empty DSN means the default Postgres template.
func expandDSN(dsn string, lookup func(string) (string, bool)) string {
	if dsn == "" {
		dsn = config.DefaultDSNTemplate
	}
	return os.Expand(dsn, func(key string) string {
		v, _ := lookup(key)
		return v
	})
}

// parseFlags parses command arguments into a validated runConfig.
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.ConfigPath, "config", "configs/pipelines/sample.json", "pipeline config JSON path")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "", "metrics backend to use (datadog, none; empty means env METRICS_BACKEND)")
	fs.StringVar(&cfg.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:etl)")
	fs.DurationVar(&cfg.FlushEvery, "metrics_flush", 1*time.Minute, "Datadog flush interval")
	fs.BoolVar(&cfg.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	return cfg, nil
}
