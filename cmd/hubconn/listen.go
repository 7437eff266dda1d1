package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mna/hubconn"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen TARGET...",
	Short: "Print server invocations of the targets",
	Long: `Print server invocations of the targets as JSON lines, until
interrupted or the connection is lost.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancelCause(cmd.Context())
		defer cancel(nil)

		out := cmd.OutOrStdout()
		_, stop, err := startHub(ctx, func(hc *hubconn.HubConn) error {
			for _, target := range args {
				if err := hc.On(target, printHandler(target, out)); err != nil {
					return err
				}
			}
			hc.SetDisconnected(func() {
				cancel(errors.New("connection lost"))
			})
			return nil
		})
		if err != nil {
			return err
		}
		defer stop()

		<-ctx.Done()
		if err := context.Cause(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

// printHandler prints each invocation of target to w. Handlers of a
// HubConn run sequentially, so writes do not interleave.
func printHandler(target string, w io.Writer) hubconn.Handler {
	return hubconn.HandlerFunc(func(ctx context.Context, args []json.RawMessage) {
		printJSON(w, invocation{Target: target, Arguments: args})
	})
}
