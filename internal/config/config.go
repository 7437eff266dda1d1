// Package config defines the YAML configuration shared by the hubconn
// commands.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/hubconn/broker/redisbroker"
	"github.com/mna/hubconn/connection"
	"github.com/mna/redisc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Hub defines the hub connection configuration options.
type Hub struct {
	URL string `yaml:"url"`

	connection.ClientConfig `yaml:",inline"`
}

// Redis defines the redis-specific configuration options.
type Redis struct {
	Addr        string        `yaml:"addr"`
	Cluster     bool          `yaml:"cluster"`
	MaxActive   int           `yaml:"max_active"`
	MaxIdle     int           `yaml:"max_idle"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Broker defines the configuration options of the redis broker.
type Broker struct {
	BlockingTimeout time.Duration `yaml:"blocking_timeout"`
	CallCap         int           `yaml:"call_cap"`
	ResultCap       int           `yaml:"result_cap"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// Bridge defines the configuration options of the bridge.
type Bridge struct {
	// Methods are the hub methods that can be called via the broker.
	Methods []string `yaml:"methods"`

	// Forward are the targets of server invocations published as events.
	Forward []string `yaml:"forward"`

	Workers     int    `yaml:"workers"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Config defines the configuration options of the commands.
type Config struct {
	LogLevel string  `yaml:"log_level"`
	Hub      *Hub    `yaml:"hub"`
	Redis    *Redis  `yaml:"redis"`
	Broker   *Broker `yaml:"broker"`
	Bridge   *Bridge `yaml:"bridge"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Hub: &Hub{
			ClientConfig: connection.ClientConfig{
				HandshakeTimeout: 15 * time.Second,
				WriteTimeout:     10 * time.Second,
			},
		},
		Redis: &Redis{
			Addr: ":6379",
		},
		Broker: &Broker{
			BlockingTimeout: 5 * time.Second,
			CallTimeout:     30 * time.Second,
		},
		Bridge: &Bridge{
			Workers:     1,
			MetricsAddr: ":9001",
		},
	}
}

// FromReader returns the configuration read from r, with default values
// for the options that are not set. If r is nil, the default
// configuration is returned.
func FromReader(r io.Reader) (*Config, error) {
	conf := Default()

	if r != nil {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, errors.Wrap(err, "decode config")
		}
	}
	return conf, nil
}

// FromFile returns the configuration read from file. If file is empty,
// the default configuration is returned.
func FromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer f.Close()

		r = f
	}
	return FromReader(r)
}

// Logger returns a logrus logger that writes to w at the configured
// level.
func (c *Config) Logger(w io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(lvl)
	return l, nil
}

// CheckHub validates the hub configuration.
func (c *Config) CheckHub() error {
	if c.Hub == nil || c.Hub.URL == "" {
		return errors.New("hub.url must be configured")
	}
	return nil
}

// CheckBridge validates the configuration of the bridge.
func (c *Config) CheckBridge() error {
	if err := c.CheckHub(); err != nil {
		return err
	}
	if c.Redis == nil || c.Redis.Addr == "" {
		return errors.New("redis.addr must be configured")
	}
	if c.Bridge == nil || (len(c.Bridge.Methods) == 0 && len(c.Bridge.Forward) == 0) {
		return errors.New("at least one of bridge.methods or bridge.forward must be configured")
	}
	if c.Bridge.Workers <= 0 {
		c.Bridge.Workers = 1
	}
	return nil
}

// NewBroker returns a redis broker for the configuration. The pool of the
// broker must be closed by the caller.
func (c *Config) NewBroker(log logrus.FieldLogger, metrics *redisbroker.Metrics) (*redisbroker.Broker, error) {
	if c.Redis == nil || c.Redis.Addr == "" {
		return nil, errors.New("redis.addr must be configured")
	}
	b := &redisbroker.Broker{
		Logger:  log,
		Metrics: metrics,
	}
	if c.Broker != nil {
		b.BlockingTimeout = c.Broker.BlockingTimeout
		b.CallCap = c.Broker.CallCap
		b.ResultCap = c.Broker.ResultCap
	}

	if c.Redis.Cluster {
		cluster := c.Redis.newCluster()
		if err := cluster.Refresh(); err != nil {
			cluster.Close()
			return nil, errors.Wrap(err, "refresh redis cluster")
		}
		b.Pool, b.Dial = cluster, cluster.Dial
	} else {
		p, _ := c.Redis.newPool(c.Redis.Addr)
		b.Pool, b.Dial = p, p.Dial
	}
	return b, nil
}

func (r *Redis) newCluster() *redisc.Cluster {
	return &redisc.Cluster{
		StartupNodes: []string{r.Addr},
		CreatePool:   r.newPool,
	}
}

func (r *Redis) newPool(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
	return &redis.Pool{
		MaxIdle:     r.MaxIdle,
		MaxActive:   r.MaxActive,
		IdleTimeout: r.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}, nil
}
