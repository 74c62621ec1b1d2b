package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/masa23/quarantined/api"
	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/logger"
	"github.com/masa23/quarantined/mailope"
	"github.com/masa23/quarantined/mapsync"
	"github.com/masa23/quarantined/metrics"
	"github.com/masa23/quarantined/quarantine"
	"github.com/masa23/quarantined/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

func main() {
	var confPath string
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "config", "config.yaml", "Path to config file")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	conf, err := config.Load(confPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logs, closer, err := logger.New(conf.Log)
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer closer.Close()

	st, err := store.Open(conf.Database)
	if err != nil {
		logs.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var q mailope.Quarantine
	if conf.Quarantine.Dir != "" {
		q = quarantine.New(conf.Quarantine.Dir, conf.Quarantine.Compress)
	}
	pipeline := mailope.NewPipeline(conf, st, q, logs, m)
	maps := mapsync.NewService(conf.Maps, st, logs, m)

	srv, err := api.New(conf, pipeline, maps, logs, m, reg)
	if err != nil {
		logs.Error("cannot build server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Error("server stopped", "error", err)
			stop()
		}
	}()
	logs.Info("quarantined started", "version", version, "server", conf.Server)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Error("shutdown failed", "error", err)
	}
}
