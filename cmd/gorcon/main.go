package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chronologos/gorcon/internal/auth"
	"github.com/chronologos/gorcon/internal/client"
	"github.com/chronologos/gorcon/internal/config"
	"github.com/chronologos/gorcon/internal/logging"
	"github.com/chronologos/gorcon/internal/transport"
)

// Exit codes.
const (
	exitError      = 1
	exitAuthFailed = 2
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath   string
	profile      string
	address      string
	passwordFile string
	transport    string
	insecure     bool
	multi        bool
	maxPayload   int
	defaultID    int32
	output       string
	logLevel     string
	timeout      time.Duration

	log zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		if errors.Is(err, client.ErrAuthFailed) {
			os.Exit(exitAuthFailed)
		}
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "gorcon",
		Short: "Remote console client for Source and Minecraft RCON servers",
		Long: `gorcon talks the Source RCON protocol to game servers.

Connection settings come from flags, then the selected profile in the
config file, then built-in defaults. The password is read from
$RCON_PASSWORD, --password-file, the profile, or an interactive prompt,
in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.log = logging.New("gorcon", logging.ProfileRuntime, opts.logLevel)
			return nil
		},
	}

	opts.register(root.PersistentFlags())

	root.AddCommand(
		execCmd(opts),
		consoleCmd(opts),
		serveCmd(opts),
		versionCmd(),
	)
	return root
}

func (o *rootOptions) register(f *pflag.FlagSet) {
	f.StringVar(&o.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	f.StringVarP(&o.profile, "profile", "p", "", "config profile to use")
	f.StringVarP(&o.address, "address", "a", "", "server address host:port (default "+config.DefaultAddress+")")
	f.StringVar(&o.passwordFile, "password-file", "", "read the password from this file")
	f.StringVar(&o.transport, "transport", "", "transport: tcp, tls or quic (default \"tcp\")")
	f.BoolVar(&o.insecure, "insecure", false, "skip TLS certificate verification")
	f.BoolVar(&o.multi, "multi", false, "read replies until an empty packet (multi-packet responses)")
	f.IntVar(&o.maxPayload, "max-payload", 0, "largest command or password in bytes, 0 for the default (4086)")
	f.Int32Var(&o.defaultID, "default-id", 0, "first packet id and the id used after wraparound")
	f.StringVarP(&o.output, "output", "o", "text", "output format: text, json or yaml")
	f.StringVar(&o.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
	f.DurationVar(&o.timeout, "timeout", 0, "dial, auth and per-command timeout (default 10s)")
}

// override applies the flags set on the command line to p. Flags whose zero
// value is meaningful are applied only when given, so an explicit zero
// still beats the profile.
func (o *rootOptions) override(p config.Profile, flags *pflag.FlagSet) config.Profile {
	p = p.Merge(config.Profile{
		Address:      o.address,
		Transport:    o.transport,
		PasswordFile: o.passwordFile,
	})
	if flags.Changed("max-payload") {
		p.MaxPayloadSize = o.maxPayload
	}
	if flags.Changed("default-id") {
		p.DefaultID = o.defaultID
	}
	if flags.Changed("multi") {
		p.MultiResponse = o.multi
	}
	if flags.Changed("insecure") {
		p.Insecure = o.insecure
	}
	if flags.Changed("timeout") {
		p.Timeout = o.timeout.String()
	}
	return p
}

// settings merges flags over the selected profile.
func (o *rootOptions) settings(cmd *cobra.Command) (config.Profile, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	file, err := config.Load(path)
	if err != nil {
		return config.Profile{}, err
	}
	for _, w := range file.Warnings {
		o.log.Warn().Msg(w)
	}

	p, err := file.Profile(o.profile)
	if err != nil {
		return config.Profile{}, err
	}

	p = o.override(p, cmd.Flags())
	if err := p.Validate(); err != nil {
		return config.Profile{}, err
	}
	return p, nil
}

func passwordSource(p config.Profile) auth.Source {
	return auth.Source{
		File:      p.PasswordFile,
		Fallback:  p.Password,
		PromptIn:  os.Stdin,
		PromptOut: os.Stderr,
	}
}

// session is an authenticated connection.
type session struct {
	conn    *client.Conn
	stream  transport.Stream
	profile config.Profile
	timeout time.Duration
}

func (s *session) Close() error {
	return s.stream.Close()
}

// ExecuteCommand applies the per-command timeout.
func (s *session) ExecuteCommand(ctx context.Context, command string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.ExecuteCommand(ctx, command)
}

// connect dials the configured server and authenticates.
func (o *rootOptions) connect(ctx context.Context, cmd *cobra.Command, obs client.Observer) (*session, error) {
	p, err := o.settings(cmd)
	if err != nil {
		return nil, err
	}
	mode, err := p.DialMode()
	if err != nil {
		return nil, err
	}
	timeout, err := p.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	// Resolve before dialing so a prompt does not hold an idle connection.
	password, err := passwordSource(p).Resolve()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := o.log.With().Str("profile", p.Name).Str("addr", p.Address).Stringer("transport", mode).Logger()
	log.Debug().Msg("dialing")
	stream, err := transport.Dial(dialCtx, p.Address, transport.Options{Mode: mode, Insecure: p.Insecure})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Address, err)
	}

	conn := client.New(stream, client.Config{
		DefaultSequenceID: p.DefaultID,
		MaxPayloadSize:    p.MaxPayloadSize,
		MultiResponse:     p.MultiResponse,
		Logger:            &log,
		Observer:          obs,
	})
	if err := conn.Authenticate(dialCtx, password); err != nil {
		stream.Close()
		return nil, err
	}
	log.Info().Msg("authenticated")

	return &session{conn: conn, stream: stream, profile: p, timeout: timeout}, nil
}
