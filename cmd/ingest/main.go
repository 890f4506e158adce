package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go-ingest-pipeline/internal/api"
	"go-ingest-pipeline/internal/api/handler"
	"go-ingest-pipeline/internal/config"
	"go-ingest-pipeline/internal/pipeline"
	"go-ingest-pipeline/internal/supervisor"
	"go-ingest-pipeline/pkg/router"
)

// exitFatal is the exit status for configuration and startup failures. Cycle
// outcomes use 0, 1 and 2.
const exitFatal = 3

type options struct {
	Config string `short:"c" long:"config" description:"Path of the YAML configuration" default:"ingest.yaml"`
	Once   bool   `long:"once" description:"Run a single cycle and exit with its status"`
	API    string `long:"api" description:"Serve the status API on this address, overriding api.addr"`
	Schema bool   `long:"schema" description:"Print the JSON schema of the configuration and exit"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(exitFatal)
	}
	if opts.Schema {
		schema, err := config.Schema()
		if err != nil {
			handleFinalError(err)
			os.Exit(exitFatal)
		}
		_, _ = os.Stdout.Write(append(schema, '\n'))
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := run(ctx, opts)
	stop()
	if err != nil {
		handleFinalError(err)
	}
	os.Exit(code)
}

func run(ctx context.Context, opts options) (int, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return exitFatal, err
	}
	cfg.ConfigureLogging()

	rt, err := config.Assemble(ctx, cfg)
	if err != nil {
		return exitFatal, err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Warn("closing pipeline")
		}
	}()

	if opts.Once {
		cycle := rt.Manager.RunCycle(ctx)
		log.WithFields(log.Fields{
			"cycle":  cycle.CycleID,
			"status": cycle.Status,
			"failed": cycle.Failed(),
		}).Info("cycle finished")
		return cycle.ExitCode(), nil
	}

	addr := cfg.API.Addr
	if opts.API != "" {
		addr = opts.API
	}

	group, gctx := errgroup.WithContext(ctx)
	if addr != "" {
		r := router.New()
		api.RegisterRoutes(r, handler.New(rt.Store, rt.Manager.Feeds(), rt.Manager))
		group.Go(func() error { return r.Start(gctx, addr) })
	}
	group.Go(func() error {
		return supervisor.New(cfg.Backoff(), rt.Manager.RunCycle).Run(gctx)
	})
	if err := group.Wait(); err != nil {
		if errors.Is(err, supervisor.ErrCircuitOpen) {
			return 2, err
		}
		return exitFatal, err
	}
	return 0, nil
}

// handleFinalError logs err the way its type calls for. Configuration
// problems are listed one per line.
func handleFinalError(err error) {
	var cfgErr *pipeline.ConfigurationError
	if errors.As(err, &cfgErr) {
		log.WithField("source", "config").Error(cfgErr)
		return
	}
	if errors.Is(err, supervisor.ErrCircuitOpen) {
		log.WithField("source", "supervisor").Error(err)
		return
	}
	_, _ = os.Stderr.WriteString(err.Error())
	_, _ = os.Stderr.Write([]byte("\n"))
}
