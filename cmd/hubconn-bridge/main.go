// Command hubconn-bridge connects to a hub and bridges it with a redis
// broker. Call requests of the configured methods are read from redis,
// invoked on the hub, and their results stored back in redis. Server
// invocations of the configured targets are published as redis events.
//
// The configuration is read from a YAML file, see the bridge, hub, redis
// and broker sections. Prometheus metrics are served on
// bridge.metrics_addr at /metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mna/hubconn"
	"github.com/mna/hubconn/bridge"
	"github.com/mna/hubconn/broker/redisbroker"
	"github.com/mna/hubconn/internal/config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	configFlag  = flag.String("config", "", "YAML configuration `file`.")
	helpFlag    = flag.Bool("help", false, "Show help.")
	urlFlag     = flag.String("url", "", "Hub `url`, overrides hub.url of the configuration.")
	workersFlag = flag.Int("workers", 0, "Number of concurrent `workers` processing call requests, overrides bridge.workers.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := config.FromFile(*configFlag)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if *urlFlag != "" {
		conf.Hub.URL = *urlFlag
	}
	if *workersFlag > 0 {
		conf.Bridge.Workers = *workersFlag
	}
	if err := conf.CheckBridge(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log, err := conf.Logger(os.Stderr)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	brk, err := conf.NewBroker(log, redisbroker.NewMetrics(reg))
	if err != nil {
		log.WithError(err).Fatal("failed to create broker")
	}
	defer brk.Pool.Close()

	hc := hubconn.New(conf.Hub.URL, hubconn.WithLogger(log), hubconn.WithRegisterer(reg))
	hc.SetClientConfig(conf.Hub.ClientConfig)

	if err := run(hc, brk, conf.Bridge, log, reg); err != nil {
		log.WithError(err).Fatal("bridge stopped")
	}
	log.Info("bridge stopped")
}

func run(hc *hubconn.HubConn, brk *redisbroker.Broker, conf *config.Bridge, log *logrus.Logger, reg *prometheus.Registry) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := &bridge.Bridge{Hub: hc, Broker: brk, Logger: log}
	if err := b.Forward(conf.Forward...); err != nil {
		return err
	}

	lost := make(chan struct{})
	hc.SetDisconnected(func() {
		log.Error("connection lost")
		close(lost)
		cancel()
	})

	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: conf.MetricsAddr, Handler: mux}
		log.Infof("serving metrics on %s", conf.MetricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	if err := hc.Start(ctx); err != nil {
		return err
	}
	log.WithField("connection_id", hc.ConnectionID()).Info("connected to hub")

	if len(conf.Methods) == 0 {
		<-ctx.Done()
	} else {
		log.Infof("listening for call requests with %d workers", conf.Workers)
		if err := b.Listen(ctx, conf.Workers, conf.Methods...); err != nil && err != context.Canceled {
			hc.Stop(context.Background())
			return err
		}
	}

	select {
	case <-lost:
		return errors.New("connection to hub lost")
	default:
	}
	return hc.Stop(context.Background())
}
