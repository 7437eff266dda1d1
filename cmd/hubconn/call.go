package main

import (
	"context"
	"time"

	"github.com/mna/hubconn/broker"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var callTimeoutFlag time.Duration

var callCmd = &cobra.Command{
	Use:   "call METHOD [ARG...]",
	Short: "Call a hub method via the redis broker of a bridge",
	Long: `Call a hub method via the redis broker of a bridge and print its
result as JSON. The method must be one of the bridge.methods of the
running bridge.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vals, err := parseArgs(args[1:])
		if err != nil {
			return err
		}
		conf, log, err := loadConfig()
		if err != nil {
			return err
		}
		brk, err := conf.NewBroker(log, nil)
		if err != nil {
			return err
		}
		defer brk.Pool.Close()

		timeout := callTimeoutFlag
		if timeout <= 0 {
			timeout = conf.Broker.CallTimeout
		}

		cp, err := broker.NewCallPayload(uuid.NewRandom().String(), args[0], vals...)
		if err != nil {
			return err
		}
		rc, err := brk.NewResultsConn(cp.Caller)
		if err != nil {
			return err
		}
		defer rc.Close()

		if err := brk.Call(cp, timeout); err != nil {
			return err
		}
		rp, err := waitResult(cmd.Context(), rc, cp.ID, timeout)
		if err != nil {
			return err
		}
		if rp.Error != "" {
			return errors.New(rp.Error)
		}
		_, err = cmd.OutOrStdout().Write(append(rp.Result, '\n'))
		return err
	},
}

func init() {
	callCmd.Flags().DurationVar(&callTimeoutFlag, "timeout", 0, "Call `timeout`, overrides broker.call_timeout of the configuration")
}

// waitResult waits for the result of call id on rc.
func waitResult(ctx context.Context, rc broker.ResultsConn, id string, timeout time.Duration) (*broker.ResultPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := rc.Results()
	for {
		select {
		case rp, ok := <-results:
			if !ok {
				if err := rc.ResultsErr(); err != nil {
					return nil, errors.Wrap(err, "results connection closed")
				}
				return nil, errors.New("results connection closed")
			}
			if rp.ID == id {
				return rp, nil
			}
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "wait for result")
		}
	}
}

var eventsPatternFlag bool

var eventsCmd = &cobra.Command{
	Use:   "events TARGET...",
	Short: "Print the server invocations published by a bridge",
	Long: `Print the server invocations published as events by a bridge as
JSON lines, until interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, log, err := loadConfig()
		if err != nil {
			return err
		}
		brk, err := conf.NewBroker(log, nil)
		if err != nil {
			return err
		}
		defer brk.Pool.Close()

		ec, err := brk.NewEventsConn()
		if err != nil {
			return err
		}
		defer ec.Close()

		for _, target := range args {
			if err := ec.Subscribe(target, eventsPatternFlag); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		events := ec.Events()
		for {
			select {
			case ep, ok := <-events:
				if !ok {
					return ec.EventsErr()
				}
				if err := printJSON(out, invocation{Target: ep.Target, Arguments: ep.Args}); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsPatternFlag, "pattern", false, "Treat targets as glob-style patterns")
}
