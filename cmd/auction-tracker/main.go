package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/nellisops/auction-tracker/internal/config"
	"github.com/nellisops/auction-tracker/internal/supervisor"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("main: loading config failed")
	}

	sup, err := supervisor.Build(cfg)
	if err != nil {
		log.WithError(err).Fatal("main: building supervisor failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Fatal("main: supervisor exited with error")
	}
}
