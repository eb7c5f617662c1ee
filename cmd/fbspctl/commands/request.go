package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firebird-butler/fbsp-go/internal/fbsp"
)

// Echo service addressing, matching the fbsp-echo daemon.
const (
	echoInterfaceNumber uint8 = 1

	apiEcho  uint8 = 1
	apiRoman uint8 = 2
)

func echoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo <frame> [frame...]",
		Short: "Send an ECHO request and print the reply frames",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, apiEcho, args)
		},
	}
}

func romanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roman <number> [number...]",
		Short: "Send a ROMAN request converting decimal numbers to Roman numerals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, apiRoman, args)
		},
	}
}

// runRequest issues one request with the given api code, printing any
// streamed DATA frames followed by the reply frames.
func runRequest(cmd *cobra.Command, api uint8, args []string) error {
	payload := make([][]byte, 0, len(args))
	for _, a := range args {
		payload = append(payload, []byte(a))
	}

	return withClient(func(ctx context.Context, c *fbsp.Client) error {
		reply, stream, err := c.Request(ctx, echoInterfaceNumber, api, payload, requestTimeout)
		if err != nil {
			return err
		}
		for _, f := range stream {
			fmt.Fprintf(cmd.OutOrStdout(), "data: %s\n", f)
		}
		for _, f := range reply.Payload {
			fmt.Fprintln(cmd.OutOrStdout(), string(f))
		}
		return nil
	})
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Connect and print the service's WELCOME identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(_ context.Context, c *fbsp.Client) error {
				w := c.Welcome
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "service:  %s %s\n", w.Agent.Name, w.Agent.Version)
				fmt.Fprintf(out, "uid:      %s\n", w.Agent.UID)
				if w.Agent.Classification != "" {
					fmt.Fprintf(out, "class:    %s\n", w.Agent.Classification)
				}
				fmt.Fprintf(out, "peer:     %s (pid %d)\n", w.Peer.Host, w.Peer.PID)
				for _, iface := range w.Interfaces {
					fmt.Fprintf(out, "iface %d:  %s\n", iface.Number, iface.UID)
				}
				return nil
			})
		},
	}
}
