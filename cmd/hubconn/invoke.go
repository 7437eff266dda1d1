package main

import (
	"github.com/spf13/cobra"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke METHOD [ARG...]",
	Short: "Invoke a hub method and print its result",
	Long: `Invoke a hub method and print its result as JSON. Each argument
is a JSON value, e.g. 1, true or '"text"'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vals, err := parseArgs(args[1:])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		hc, stop, err := startHub(ctx, nil)
		if err != nil {
			return err
		}
		defer stop()

		res, err := hc.Invoke(ctx, args[0], vals...)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(append(res, '\n'))
		return err
	},
}

var sendCmd = &cobra.Command{
	Use:   "send METHOD [ARG...]",
	Short: "Send a hub method invocation without waiting for a result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vals, err := parseArgs(args[1:])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		hc, stop, err := startHub(ctx, nil)
		if err != nil {
			return err
		}
		defer stop()

		return hc.Send(ctx, args[0], vals...)
	},
}
