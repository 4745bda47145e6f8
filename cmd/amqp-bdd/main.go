package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"amqp-bdd/internal/bootstrap"
	"amqp-bdd/internal/config"
	appcron "amqp-bdd/internal/cron"
	"amqp-bdd/internal/logging"
	"amqp-bdd/internal/queue/rabbitmq"
	"amqp-bdd/internal/reconciliation"
	"amqp-bdd/internal/tracing"
	"amqp-bdd/steps"

	"github.com/cucumber/godog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/trace"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitSetup  = 2
)

type options struct {
	configPath string
	provider   string
	cleanup    bool
	dryRun     bool
	schedule   string
	logFormat  string
	traceOut   string
	godog      godog.Options
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout)
	stop()
	os.Exit(status)
}

func parseFlags(args []string, stdout io.Writer) (*options, error) {
	o := &options{godog: godog.Options{Format: "pretty", Output: stdout}}

	fs := pflag.NewFlagSet("amqp-bdd", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML suite file; AMQP_* environment variables are used when empty")
	fs.StringVar(&o.provider, "provider", bootstrap.ProviderRabbitMQ, "broker provider: rabbitmq or memory")
	fs.BoolVar(&o.cleanup, "cleanup", false, "delete queues and exchanges declared by scenarios that are not in the suite topology")
	fs.BoolVar(&o.dryRun, "cleanup-dry-run", false, "log what --cleanup would delete without deleting")
	fs.StringVar(&o.schedule, "schedule", "", `repeat the run on a cron schedule, e.g. "@every 5m"`)
	fs.StringVar(&o.logFormat, "log-format", "console", "log output: console or json")
	fs.StringVar(&o.traceOut, "trace-output", "", `write publish and receive spans as JSON to this file, "-" for stderr`)

	gfs := flag.NewFlagSet("godog", flag.ContinueOnError)
	godog.BindFlags("godog.", gfs, &o.godog)
	fs.AddGoFlagSet(gfs)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.godog.Paths = fs.Args()
	return o, nil
}

// loadConfig reads the suite file, or the environment when no file is
// given. AMQP_MANAGEMENT_URI fills in a management URI the file leaves out.
func loadConfig(path string, lookup config.LookupFunc) (config.Config, config.Suite, error) {
	if path == "" {
		cfg, err := config.LoadFromEnv(lookup)
		return cfg, config.Suite{}, err
	}

	cfg, suite, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, config.Suite{}, err
	}
	if uri, ok := lookup("AMQP_MANAGEMENT_URI"); ok && cfg.ManagementURI == "" {
		cfg.ManagementURI = strings.TrimSuffix(uri, "/")
	}
	return cfg, suite, nil
}

func run(ctx context.Context, args []string, lookup config.LookupFunc, stdout io.Writer) int {
	o, err := parseFlags(args, stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSetup
	}

	logger := logging.Setup(o.logFormat)

	cfg, suite, err := loadConfig(o.configPath, lookup)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return exitSetup
	}

	var backendOpts []rabbitmq.Option
	if o.traceOut != "" {
		tp, closeTrace, err := setupTracing(o.traceOut)
		if err != nil {
			logger.Error().Err(err).Msg("failed to set up tracing")
			return exitSetup
		}
		defer closeTrace()
		backendOpts = append(backendOpts, rabbitmq.WithTracerProvider(tp))
	}

	backend, err := bootstrap.NewBackend(o.provider, cfg, backendOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to init broker provider")
		return exitSetup
	}
	if (o.cleanup || o.dryRun) && backend.Deleter == nil {
		logger.Error().Msg("--cleanup needs the management API: set management_uri or AMQP_MANAGEMENT_URI")
		return exitSetup
	}

	if err := declareTopology(backend, cfg, suite.Topology); err != nil {
		logger.Error().Err(err).Msg("failed to declare topology")
		return exitSetup
	}

	rec := reconciliation.NewRecorder()
	stepOpts := []steps.Option{
		steps.WithDialer(backend.Dial),
		steps.WithLogger(logger),
		steps.WithRecorder(rec),
	}
	if backend.Inspector != nil {
		stepOpts = append(stepOpts, steps.WithInspector(backend.Inspector))
	}
	initializer, err := steps.NewInitializer(cfg.Settings(), stepOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("invalid broker settings")
		return exitSetup
	}

	runOnce := func() int {
		opts := o.godog
		logger.Info().Str("provider", backend.Name).Str("broker", cfg.Addr()).Strs("paths", opts.Paths).Msg("suite started")
		status := godog.TestSuite{
			Name:                "amqp-bdd",
			ScenarioInitializer: initializer.InitializeScenario,
			Options:             &opts,
		}.Run()
		logger.Info().Int("status", status).Msg("suite finished")

		if o.cleanup || o.dryRun {
			cleanup(logger, backend, rec, suite.Topology, o.dryRun)
		}
		return status
	}

	if o.schedule == "" {
		return runOnce()
	}
	return runScheduled(ctx, logger, o.schedule, runOnce)
}

// setupTracing installs a tracer provider exporting to path. The returned
// func flushes the spans and closes the file.
func setupTracing(path string) (trace.TracerProvider, func(), error) {
	var w io.WriteCloser = nopCloser{os.Stderr}
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, err
		}
		w = f
	}

	tp, err := tracing.Setup(w)
	if err != nil {
		_ = w.Close()
		return nil, nil, err
	}
	return tp, func() {
		if err := tracing.Shutdown(context.Background(), tp); err != nil {
			log.Warn().Err(err).Msg("failed to flush spans")
		}
		_ = w.Close()
	}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func declareTopology(backend *bootstrap.Backend, cfg config.Config, top config.Topology) error {
	if len(top.Exchanges) == 0 && len(top.Queues) == 0 && len(top.Bindings) == 0 {
		return nil
	}
	conn, err := backend.Dial(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return bootstrap.DeclareTopology(conn, top)
}

func cleanup(logger zerolog.Logger, backend *bootstrap.Backend, rec *reconciliation.Recorder, baseline config.Topology, dryRun bool) {
	result, err := reconciliation.Cleanup(backend.Deleter, rec, baseline, dryRun)
	if err != nil {
		logger.Error().Err(err).Msg("cleanup failed")
		return
	}
	for _, e := range result.Errors {
		logger.Warn().Msg(e)
	}
	if !dryRun {
		rec.Reset()
	}
}

// runScheduled repeats runOnce until ctx is done and returns the status of
// the last completed run.
func runScheduled(ctx context.Context, logger zerolog.Logger, spec string, runOnce appcron.RunFunc) int {
	sched := appcron.NewScheduler(runOnce)
	if err := sched.Start(spec); err != nil {
		logger.Error().Err(err).Msg("failed to schedule suite")
		return exitSetup
	}
	logger.Info().Str("schedule", spec).Msg("suite scheduled")

	<-ctx.Done()
	sched.Stop()

	runs, failures, last := sched.Stats()
	logger.Info().Int("runs", runs).Int("failures", failures).Msg("scheduler stopped")
	if runs > 0 && last != 0 {
		return exitFailed
	}
	return exitOK
}
