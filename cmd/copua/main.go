// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command copua runs a Lua script with the coap module preloaded. The
// script drives everything: it binds the server endpoint, opens client
// connections and polls the engine with process_step.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/errgroup"

	"github.com/pstolarz/copua/pkg/engine"
	"github.com/pstolarz/copua/pkg/luacoap"
)

const envPrefix = "COPUA_"

type config struct {
	LogLevel          string `env:"LOG_LEVEL" envDefault:"warn"`
	MaxPDUSize        int    `env:"MAX_PDU_SIZE" envDefault:"0"`
	PrometheusAddress string `env:"PROMETHEUS_ADDRESS" envDefault:""`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	levelVar := &slog.LevelVar{}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelVar,
	})
	logger := slog.New(logHandler)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	cfg, err := env.ParseAsWithOptions[config](env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Error("invalid log level", slog.String("level", cfg.LogLevel))
		os.Exit(1)
	}
	levelVar.Set(level)

	if len(os.Args) < 2 {
		logger.Error("no script given", slog.String("usage", "copua <script.lua> [args...]"))
		os.Exit(1)
	}
	script := os.Args[1]

	var metrics *engine.Metrics
	if cfg.PrometheusAddress != "" {
		reg := prometheus.NewRegistry()
		metrics = engine.NewMetrics(reg)
		startMetricsServer(g, ctx, cfg.PrometheusAddress, reg, logger)
	}

	l := lua.NewState()
	defer l.Close()
	setScriptArgs(l, os.Args[2:])

	lib := luacoap.Preload(l,
		luacoap.WithLogger(logger),
		luacoap.WithLogLevelVar(levelVar),
		luacoap.WithMetrics(metrics),
		luacoap.WithMaxPDUSize(cfg.MaxPDUSize),
	)

	g.Go(func() error {
		defer cancel()
		return l.DoFile(script)
	})

	// Signal handler; closing the library unblocks a script waiting in
	// process_step
	g.Go(func() error {
		err := StopSignalHandler(ctx, cancel, logger)
		if cerr := lib.Close(); cerr != nil {
			logger.Warn("library close failed", slog.String("error", cerr.Error()))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("copua terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("copua stopped")
}

// setScriptArgs exposes trailing command line arguments to the script
// as the conventional arg table.
func setScriptArgs(l *lua.LState, args []string) {
	t := l.CreateTable(len(args), 0)
	for i, a := range args {
		t.RawSetInt(i+1, lua.LString(a))
	}
	l.SetGlobal("arg", t)
}

func startMetricsServer(g *errgroup.Group, ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	logger.Info("metrics server started", slog.String("address", addr))
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
