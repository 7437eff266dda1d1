// Command hubconn is a command-line client of a hub. It invokes hub
// methods, listens for server invocations, and makes calls and reads
// events via the redis broker of a bridge.
//
//     hubconn invoke --url ws://localhost:5000/chat Add 1 2
//     hubconn listen --url ws://localhost:5000/chat ReceiveMessage
//     hubconn call --config hubconn.yml Add 1 2
//
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mna/hubconn"
	"github.com/mna/hubconn/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFlag   string
	urlFlag      string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:           "hubconn",
	Short:         "Command-line client of a JSON hub",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFlag, "config", "", "YAML configuration `file`")
	pf.StringVar(&urlFlag, "url", "", "Hub `url`, overrides hub.url of the configuration")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log `level`, overrides log_level of the configuration")

	rootCmd.AddCommand(invokeCmd, sendCmd, listenCmd, callCmd, eventsCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration file and applies the flags.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	conf, err := config.FromFile(configFlag)
	if err != nil {
		return nil, nil, err
	}
	if urlFlag != "" {
		conf.Hub.URL = urlFlag
	}
	if logLevelFlag != "" {
		conf.LogLevel = logLevelFlag
	}
	log, err := conf.Logger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}

// newHub returns a HubConn configured from conf. It is not started.
func newHub(conf *config.Config, log logrus.FieldLogger) (*hubconn.HubConn, error) {
	if err := conf.CheckHub(); err != nil {
		return nil, err
	}
	hc := hubconn.New(conf.Hub.URL, hubconn.WithLogger(log))
	hc.SetClientConfig(conf.Hub.ClientConfig)
	return hc, nil
}

// startHub loads the configuration and starts a HubConn. The returned
// function stops it.
func startHub(ctx context.Context, setup func(*hubconn.HubConn) error) (*hubconn.HubConn, func(), error) {
	conf, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	hc, err := newHub(conf, log)
	if err != nil {
		return nil, nil, err
	}
	if setup != nil {
		if err := setup(hc); err != nil {
			return nil, nil, err
		}
	}
	if err := hc.Start(ctx); err != nil {
		return nil, nil, err
	}
	return hc, func() {
		if err := hc.Stop(context.Background()); err != nil {
			log.WithError(err).Warn("stop failed")
		}
	}, nil
}
