// Command sumclient calls "sum" once on a single connection, then fans ten
// calls out over a pool of connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/studio-ousia/mprpc/client"
	"github.com/studio-ousia/mprpc/config"
	"github.com/studio-ousia/mprpc/registry"
	"github.com/studio-ousia/mprpc/transport"
)

var (
	configPath = flag.String("config", "", "YAML config file")
	network    = flag.String("network", "", "tcp or unix (overrides config)")
	address    = flag.String("addr", "", "server address or socket path (overrides config)")
	calls      = flag.Int("n", 10, "number of pooled calls")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sumclient:", err)
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
		cfg.Client.Network = *network
	}
	if *address != "" {
		cfg.Client.Address = *address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts, err := cfg.Client.ClientOptions(logger)
	if err != nil {
		return err
	}
	ctx := context.Background()

	dial := func(ctx context.Context) (*client.Client, error) {
		target, err := cfg.Client.Target()
		if err != nil {
			return nil, err
		}
		return client.Dial(ctx, target, opts...)
	}
	if cfg.Etcd.Enabled() {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		dial = func(ctx context.Context) (*client.Client, error) {
			return client.DialService(ctx, reg, cfg.Etcd.Service, opts...)
		}
	}

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	result, err := c.Call("sum", 1, 2)
	c.Close()
	if err != nil {
		return err
	}
	fmt.Println(result)

	return callUsingPool(ctx, logger, transport.NewPool(cfg.Client.PoolSize, dial))
}

func callUsingPool(ctx context.Context, logger *zap.Logger, pool *transport.Pool[*client.Client]) error {
	defer pool.Close()

	results := make([]any, *calls)
	errs := make([]error, *calls)
	var wg sync.WaitGroup
	for i := range *calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = pool.Do(ctx, func(c *client.Client) error {
				var err error
				results[i], err = c.Call("sum", 1, 2)
				return err
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			logger.Error("pooled call failed", zap.Int("call", i), zap.Error(err))
			return err
		}
	}
	fmt.Println(results)
	return nil
}
