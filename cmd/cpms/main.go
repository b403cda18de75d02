package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csms/internal/config"
	"csms/internal/logging"

	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewDefault("main").WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component(logger, "main")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deps, err := InitializeDependencies(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("initialize")
	}
	defer deps.Close()

	if err := deps.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("start modules")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           deps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":      cfg.ListenAddr,
			"store":     cfg.Store,
			"broker":    cfg.Broker,
			"transport": cfg.Transport,
		}).Info("CSMS listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx2, cancel2 := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel2()
	_ = httpServer.Shutdown(ctx2)
	log.Info("CSMS shutdown complete")
}
