package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	promadapter "github.com/cachemir/clustermir/adapters/prometheus"
	"github.com/cachemir/clustermir/internal/gateway"
	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/config"
	"github.com/cachemir/clustermir/pkg/logger"
)

func main() {
	listen := flag.String("listen", ":8080", "HTTP listen address")
	path := flag.String("config", "", "Client YAML configuration file")
	flag.Parse()

	cfg := config.LoadClientConfig()
	if *path != "" {
		var err error
		if cfg, err = config.LoadClientConfigFile(*path); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg := logger.New(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cli, err := client.New(cfg,
		client.WithLogger(lg),
		client.WithMetrics(promadapter.NewClientMetrics(reg)))
	if err != nil {
		lg.Error("create client", slog.Any("error", err))
		os.Exit(1)
	}

	gw := gateway.New(cli, reg, lg)
	go func() {
		if err := gw.ListenAndServe(*listen); err != nil {
			lg.Error("gateway failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	lg.Info("shutting down gateway")

	if err := gw.Shutdown(); err != nil {
		lg.Warn("error stopping gateway", slog.Any("error", err))
	}
	if err := cli.Close(); err != nil {
		lg.Warn("error closing client", slog.Any("error", err))
	}
}
