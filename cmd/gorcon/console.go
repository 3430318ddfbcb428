package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chronologos/gorcon/internal/admin"
	"github.com/chronologos/gorcon/internal/client"
	"github.com/chronologos/gorcon/internal/console"
	"github.com/chronologos/gorcon/internal/metrics"
	"github.com/chronologos/gorcon/internal/output"
)

func consoleCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open an interactive prompt on the server",
		Long: `Open an interactive prompt on the server.

Each line is sent as one command. Type :quit or press Ctrl-D to leave.
Commands can also be piped in on stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.NewFormatter(opts.output)
			if err != nil {
				return err
			}

			var obs client.Observer
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				obs = metrics.NewClient(metrics.WithRegistry(reg))
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				if _, _, err := admin.Serve(ctx, metricsAddr, admin.NewRouter(reg, time.Now()), opts.log); err != nil {
					return err
				}
			}

			s, err := opts.connect(cmd.Context(), cmd, obs)
			if err != nil {
				return err
			}
			defer s.Close()

			return console.Run(cmd.Context(), s, console.Config{
				In:        cmd.InOrStdin(),
				Out:       cmd.OutOrStdout(),
				Server:    s.profile.Address,
				Formatter: format,
				Styled:    console.IsInteractive(os.Stdin, os.Stdout),
				Logger:    &opts.log,
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve client metrics on this address (e.g. :9150)")
	return cmd
}
