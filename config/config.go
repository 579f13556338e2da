// Package config loads the YAML configuration of the example binaries and
// turns it into server and client options.
//
//	server:
//	  network: tcp
//	  address: 127.0.0.1:6000
//	  encoding: utf-8
//	  handler_timeout: 5s
//	  rate_limit: {rate: 1000, burst: 100}
//	client:
//	  address: 127.0.0.1:6000
//	  timeout: 1.5        # seconds, or a Go duration such as 1500ms
//	  lifetime: 10m
//	  pool_size: 8
//	  balancer: round_robin
//	etcd:
//	  endpoints: [127.0.0.1:2379]
//	  service: Sum
//	  ttl: 10
//	  weight: 5
//	log:
//	  level: info
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studio-ousia/mprpc/codec"
	"github.com/studio-ousia/mprpc/loadbalance"
	"github.com/studio-ousia/mprpc/transport"
)

const (
	DefaultAddress  = "127.0.0.1:6000"
	DefaultPoolSize = 8
	DefaultTTL      = 10
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Etcd   EtcdConfig   `yaml:"etcd"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Network        string          `yaml:"network"`
	Address        string          `yaml:"address"`
	Encoding       string          `yaml:"encoding"`
	HandlerTimeout Duration        `yaml:"handler_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is disabled while Rate is zero.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type ClientConfig struct {
	Network  string   `yaml:"network"`
	Address  string   `yaml:"address"`
	Timeout  Duration `yaml:"timeout"`
	Lifetime Duration `yaml:"lifetime"`
	Encoding string   `yaml:"encoding"`
	PoolSize int      `yaml:"pool_size"`
	// Balancer picks among discovered instances: random, round_robin,
	// weighted_random or consistent_hash. HashKey feeds consistent_hash.
	Balancer string `yaml:"balancer"`
	HashKey  string `yaml:"hash_key"`
}

// EtcdConfig is disabled while Endpoints is empty.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Service   string   `yaml:"service"`
	Advertise string   `yaml:"advertise"`
	TTL       int64    `yaml:"ttl"`
	Weight    int      `yaml:"weight"`
}

func (e EtcdConfig) Enabled() bool {
	return len(e.Endpoints) > 0
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Network: transport.NetworkTCP, Address: DefaultAddress},
		Client: ClientConfig{Network: transport.NetworkTCP, Address: DefaultAddress, PoolSize: DefaultPoolSize},
		Etcd:   EtcdConfig{TTL: DefaultTTL},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.Server.Target(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if _, err := c.Client.Target(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	for name, enc := range map[string]string{"server": c.Server.Encoding, "client": c.Client.Encoding} {
		if _, err := codec.LookupEncoding(enc); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Server.RateLimit.Rate < 0 || c.Server.RateLimit.Burst < 0 {
		return errors.New("server: rate_limit must not be negative")
	}
	if c.Client.PoolSize <= 0 {
		return fmt.Errorf("client: pool_size must be positive, got %d", c.Client.PoolSize)
	}
	if _, err := loadbalance.New(c.Client.Balancer, c.Client.HashKey); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if c.Etcd.Enabled() && c.Etcd.Service == "" {
		return errors.New("etcd: service is required with endpoints")
	}
	if c.Etcd.TTL <= 0 {
		return fmt.Errorf("etcd: ttl must be positive, got %d", c.Etcd.TTL)
	}
	return nil
}

func (s ServerConfig) Target() (transport.Target, error) {
	return transport.ParseTarget(s.Network, s.Address)
}

func (c ClientConfig) Target() (transport.Target, error) {
	return transport.ParseTarget(c.Network, c.Address)
}

// Duration reads either a Go duration string ("1.5s", "10m") or a bare
// number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil && parsed >= 0 {
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
