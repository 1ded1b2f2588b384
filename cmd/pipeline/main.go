// Command pipeline runs both stages in one process: fetch, then resolve.
// Resolve is skipped when fetch fails, so a broken fetch never produces
// half-updated _resolved tables.
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
	"dhis2etl/internal/resolve"
	"dhis2etl/internal/storage"

	_ "dhis2etl/internal/storage/all"
)

type backendCloser interface {
	metrics.Backend
	Close() error
}

type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LookupEnv      func(key string) (string, bool)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	NewRepository  func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewClient      func(baseURL, username, password, jobName string) ingest.Client
	Now            func() time.Time
}

type runConfig struct {
	ConfigPath     string
	MetricsBackend string
	DDTagsCSV      string
	FlushEvery     time.Duration
	Validate       bool
	Verbose        bool
}

func main() {
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

// run executes fetch then resolve and returns an exit code.
//
// Exit codes:
//   - 0: both stages succeeded.
//   - 1: a stage failed.
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

	p, err := config.LoadPipeline(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	issues := config.ValidatePipeline(p)
	env, envIssues := config.LoadEnv(config.LoadEnvOptions{
		Lookup:       d.LookupEnv,
		RequireDHIS2: true,
	})
	issues = append(issues, envIssues...)

	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(d.Stderr, "configuration is invalid: %s\n", cfg.ConfigPath)
		return 2
	}
	if cfg.Validate {
		fmt.Fprintf(d.Stderr, "configuration is valid: %s\n", cfg.ConfigPath)
		return 0
	}

	jobName := p.Job
	if jobName == "" {
		jobName = "dhis2_etl"
	}

	closeMetrics := initMetrics(ctx, cfg, d, logger, jobName)
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

	fetchStart := d.Now()
	fetchErr := engine.Run(ctx, p.Datasets, env.StartDate, env.EndDate)
	metrics.RecordStage(jobName, "fetch", fetchErr, time.Since(fetchStart))
	if fetchErr != nil {
		logger.Printf("fetch failed: %v", fetchErr)
		logger.Printf("resolve skipped: fetch did not complete")
		return 1
	}

	resolver := &resolve.Resolver{Repo: repo, Logger: logger, Job: jobName}

	resolveStart := d.Now()
	resolveErr := resolver.Run(ctx)
	metrics.RecordStage(jobName, "resolve", resolveErr, time.Since(resolveStart))
	if resolveErr != nil {
		logger.Printf("resolve failed: %v", resolveErr)
		return 1
	}

	if cfg.Verbose {
		logger.Printf("pipeline completed in %s", time.Since(fetchStart).Truncate(time.Millisecond))
	}
	return 0
}

func initMetrics(ctx context.Context, cfg runConfig, d deps, logger *log.Logger, jobName string) func() {
	switch cfg.MetricsBackend {
	case "datadog":
		if d.BackendFactory == nil {
			logger.Printf("metrics: no backend factory; metrics disabled")
			return func() {}
		}
		tags := datadog.ParseTagsCSV(cfg.DDTagsCSV)
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

func expandDSN(dsn string, lookup func(string) (string, bool)) string {
	if dsn == "" {
		dsn = config.DefaultDSNTemplate
	}
	return os.Expand(dsn, func(key string) string {
		v, _ := lookup(key)
		return v
	})
}

func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)

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
