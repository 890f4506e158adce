package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"go-ingest-pipeline/internal/api"
	"go-ingest-pipeline/internal/api/handler"
	"go-ingest-pipeline/internal/config"
	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/internal/store"
	"go-ingest-pipeline/pkg/router"
)

type options struct {
	Config string `short:"c" long:"config" description:"Path of the YAML configuration" default:"ingest.yaml"`
	Addr   string `long:"addr" description:"Listen address, overriding api.addr"`
}

// The API process only reads the store; cycles are triggered by cmd/ingest.
func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.WithField("source", "config").Fatal(err)
	}
	cfg.ConfigureLogging()

	st, err := store.New(cfg.Store.Type, cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("opening store")
	}
	defer st.Close()

	feeds := make([]model.Feed, len(cfg.Feeds))
	for i := range cfg.Feeds {
		feeds[i] = cfg.Feeds[i].Feed()
	}

	addr := cfg.API.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := router.New()
	api.RegisterRoutes(r, handler.New(st, feeds, nil))
	if err := r.Start(ctx, addr); err != nil {
		log.WithError(err).Error("server failed")
	}
}
