// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spotpool/spotpool/lib/config"
	"github.com/spotpool/spotpool/lib/dispatch"
	"github.com/spotpool/spotpool/sdk/go/ctxlog"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	flags := flag.NewFlagSet("spotpool-server", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "/etc/spotpool/config.yml", "configuration `file` path")
	getVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *getVersion {
		fmt.Fprintf(stdout, "spotpool-server %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %s\n", err)
		return 1
	}

	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel).WithField("PID", os.Getpid())
	ctx := ctxlog.Context(context.Background(), logger)

	disp := &dispatch.Dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: prometheus.NewRegistry(),
	}
	if err := disp.Start(); err != nil {
		logger.WithError(err).Error("dispatcher setup failed")
		return 1
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: disp,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("Listen", cfg.Listen).Infof("spotpool-server %s listening", version)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("Signal", sig).Info("shutting down")
	case err := <-errCh:
		logger.WithError(err).Error("server failed")
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	disp.Close()
	<-disp.Done()
	return 0
}
