package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/chronologos/gorcon/internal/admin"
	"github.com/chronologos/gorcon/internal/auth"
	"github.com/chronologos/gorcon/internal/metrics"
	"github.com/chronologos/gorcon/internal/server"
	"github.com/chronologos/gorcon/internal/transport"
	"github.com/chronologos/gorcon/internal/version"
)

// maxLorem bounds the "lorem" test command.
const maxLorem = 1 << 20

func serveCmd(opts *rootOptions) *cobra.Command {
	var (
		host        string
		port        int
		password    string
		listenMode  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a reference RCON server for testing clients",
		Long: `Run a small RCON server.

It accepts the password from --password, $RCON_PASSWORD or --password-file
and answers a few built-in commands: echo, help, time, version and
"lorem <bytes>", which returns that much filler text to exercise
multi-packet replies (enable them with --multi).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := transport.ParseListenMode(listenMode)
			if err != nil {
				return err
			}
			pw, err := auth.Source{File: opts.passwordFile, Fallback: password}.Resolve()
			if err != nil {
				return fmt.Errorf("serve needs a password: %w", err)
			}

			ctx := cmd.Context()
			started := time.Now()
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			obs := metrics.NewServer(metrics.WithRegistry(reg))

			if metricsAddr != "" {
				if _, _, err := admin.Serve(ctx, metricsAddr, admin.NewRouter(reg, started), opts.log); err != nil {
					return err
				}
			}

			srv := server.New(server.Config{
				Host:        host,
				Port:        port,
				Mode:        mode,
				Password:    pw,
				Handler:     builtinCommands(started),
				MultiPacket: opts.multi,
				MaxChunk:    opts.maxPayload,
				Logger:      &opts.log,
				Observer:    obs,
			})

			// Print the port once bound, for scripts that pass --listen-port 0.
			go func() {
				select {
				case <-srv.Ready:
					fmt.Fprintln(cmd.OutOrStdout(), srv.Port)
				case <-ctx.Done():
				}
			}()

			err = srv.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&host, "listen-host", "", "bind address (default all interfaces)")
	f.IntVar(&port, "listen-port", 27015, "port to listen on, 0 for a random one")
	f.StringVar(&password, "password", "", "password clients must present")
	f.StringVar(&listenMode, "listen-mode", "tcp", "listeners: tcp, tls, quic or dual (tcp and quic)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address (e.g. :9150)")
	return cmd
}

func builtinCommands(started time.Time) *server.Mux {
	mux := server.NewMux()
	mux.Handle("version", func(context.Context, string) string {
		return version.String()
	})
	mux.Handle("time", func(context.Context, string) string {
		return fmt.Sprintf("%s (up %s)", time.Now().UTC().Format(time.RFC3339), time.Since(started).Round(time.Second))
	})
	mux.Handle("lorem", func(_ context.Context, args string) string {
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 {
			return "usage: lorem <bytes>"
		}
		return lorem(min(n, maxLorem))
	})
	return mux
}

const loremText = "Lorem ipsum dolor sit amet, consectetur adipiscing elit. "

func lorem(n int) string {
	var b strings.Builder
	b.Grow(n)
	for b.Len() < n {
		b.WriteString(loremText)
	}
	return b.String()[:n]
}
