// Command sumserver serves a "sum" method over TCP or a unix socket.
//
//	sumserver -addr 127.0.0.1:6000
//	sumserver -network unix -addr /tmp/rpc.sock
//	sumserver -config mprpc.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/studio-ousia/mprpc/config"
	"github.com/studio-ousia/mprpc/registry"
	"github.com/studio-ousia/mprpc/server"
)

var (
	configPath = flag.String("config", "", "YAML config file")
	network    = flag.String("network", "", "tcp or unix (overrides config)")
	address    = flag.String("addr", "", "listen address or socket path (overrides config)")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sumserver:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *network != "" {
		cfg.Server.Network = *network
	}
	if *address != "" {
		cfg.Server.Address = *address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts, err := cfg.Server.ServerOptions(logger)
	if err != nil {
		return err
	}
	if cfg.Etcd.Enabled() {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		instance := registry.ServiceInstance{Network: cfg.Server.Network, Addr: cfg.Etcd.Advertise, Weight: cfg.Etcd.Weight}
		opts = append(opts, server.WithRegistry(reg, cfg.Etcd.Service, instance, cfg.Etcd.TTL))
	}

	srv := server.NewServer(server.Handlers{
		"sum": server.Func(func(x, y int64) int64 { return x + y }),
	}, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe(cfg.Server.Network, cfg.Server.Address) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("unclean shutdown", zap.Error(err))
	}
	return <-served
}
