// Package server is a small RCON server. The CLI exposes it as
// "gorcon serve" and the client tests dial it over every transport.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/chronologos/gorcon/internal/auth"
	"github.com/chronologos/gorcon/internal/protocol"
	"github.com/chronologos/gorcon/internal/transport"
)

// Handler produces the output of one command.
type Handler interface {
	ServeCommand(ctx context.Context, command string) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, command string) string

func (f HandlerFunc) ServeCommand(ctx context.Context, command string) string {
	return f(ctx, command)
}

// Observer receives server events. internal/metrics implements it.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	RequestHandled(typ protocol.PacketType, d time.Duration)
	AuthRejected()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()                                 {}
func (nopObserver) ConnectionClosed()                                 {}
func (nopObserver) RequestHandled(protocol.PacketType, time.Duration) {}
func (nopObserver) AuthRejected()                                     {}

// Config holds server configuration.
type Config struct {
	Host string
	Port int // 0 picks a free port
	Mode transport.ListenMode
	Cert *tls.Certificate // nil generates a self-signed one for TLS and QUIC

	Password string
	Handler  Handler

	// MultiPacket splits output into chunks of at most MaxChunk bytes and
	// ends every reply with an empty Response packet. Without it each
	// reply is a single packet truncated to MaxChunk.
	MultiPacket bool
	MaxChunk    int // 0 means protocol.DefaultMaxPayloadSize

	Logger   *zerolog.Logger
	Observer Observer
}

// Server accepts RCON connections and serves each on its own goroutine.
type Server struct {
	cfg Config
	log zerolog.Logger
	obs Observer
	ln  transport.Listener
	wg  sync.WaitGroup

	// Ready is closed after the listener is bound, with Port set.
	// Callers (tests, CLI) can wait on this before dialing.
	Ready chan struct{}
	Port  int
}

// New creates a server but does not start it. Call Run to begin.
func New(cfg Config) *Server {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = protocol.DefaultMaxPayloadSize
	}
	if cfg.Handler == nil {
		cfg.Handler = NewMux()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "server").Logger()
	}
	var obs Observer = nopObserver{}
	if cfg.Observer != nil {
		obs = cfg.Observer
	}
	return &Server{
		cfg:   cfg,
		log:   logger,
		obs:   obs,
		Ready: make(chan struct{}),
	}
}

// Run listens and serves until ctx is cancelled. Open connections are
// closed before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(transport.ListenOptions{
		Mode: s.cfg.Mode,
		Host: s.cfg.Host,
		Port: s.cfg.Port,
		Cert: s.cfg.Cert,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	defer func() {
		s.ln.Close()
		s.wg.Wait()
	}()

	s.Port = s.ln.Port()
	s.log.Info().Stringer("mode", s.cfg.Mode).Int("port", s.Port).Msg("listening")
	close(s.Ready)

	acceptCh := make(chan acceptResult, 1)
	go s.acceptOnce(ctx, acceptCh)

	for {
		select {
		case res := <-acceptCh:
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// TLS handshake failures and similar are per-client.
				s.log.Warn().Err(res.err).Msg("accept failed")
			} else {
				s.wg.Add(1)
				go s.serveConn(ctx, res.stream)
			}
			go s.acceptOnce(ctx, acceptCh)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type acceptResult struct {
	stream transport.Stream
	err    error
}

// acceptOnce handles exactly one connection attempt; Run re-arms it.
func (s *Server) acceptOnce(ctx context.Context, ch chan<- acceptResult) {
	stream, err := s.ln.Accept(ctx)
	ch <- acceptResult{stream: stream, err: err}
}

func (s *Server) serveConn(ctx context.Context, stream transport.Stream) {
	defer s.wg.Done()
	s.obs.ConnectionOpened()
	defer s.obs.ConnectionClosed()

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer func() {
		stop()
		stream.Close()
	}()

	c := &conn{srv: s, rw: stream}
	for {
		req, err := protocol.ReadRequest(stream)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedPayload) {
				s.log.Debug().Msg("dropping request with invalid payload")
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		start := time.Now()
		if err := c.handle(ctx, req); err != nil {
			s.log.Debug().Err(err).Msg("write reply")
			return
		}
		s.obs.RequestHandled(req.Type, time.Since(start))
	}
}

// conn is the per-connection state.
type conn struct {
	srv    *Server
	rw     io.Writer
	authed bool
}

func (c *conn) handle(ctx context.Context, req protocol.Packet) error {
	s := c.srv
	switch req.Type {
	case protocol.TypeAuth:
		// Source servers send an empty response ahead of the verdict.
		if err := c.write(req.ID, protocol.TypeResponse, ""); err != nil {
			return err
		}
		if !auth.Verify(s.cfg.Password, req.Payload) {
			c.authed = false
			s.obs.AuthRejected()
			s.log.Warn().Int32("id", req.ID).Msg("rejected password")
			return c.write(-1, protocol.TypeAuthResponse, "")
		}
		c.authed = true
		return c.write(req.ID, protocol.TypeAuthResponse, "")

	case protocol.TypeExecCommand:
		if !c.authed {
			return c.write(-1, protocol.TypeResponse, "")
		}
		out := s.cfg.Handler.ServeCommand(ctx, req.Payload)
		s.log.Debug().Str("command", req.Payload).Int("bytes", len(out)).Msg("command")
		return c.reply(req.ID, out)

	default:
		return c.write(req.ID, protocol.TypeResponse, fmt.Sprintf("Unknown request %x", req.Type.Code()))
	}
}

func (c *conn) reply(id int32, out string) error {
	chunks := splitUTF8(out, c.srv.cfg.MaxChunk)
	if !c.srv.cfg.MultiPacket {
		first := ""
		if len(chunks) > 0 {
			first = chunks[0]
		}
		return c.write(id, protocol.TypeResponse, first)
	}
	for _, chunk := range chunks {
		if err := c.write(id, protocol.TypeResponse, chunk); err != nil {
			return err
		}
	}
	return c.write(id, protocol.TypeResponse, "")
}

func (c *conn) write(id int32, typ protocol.PacketType, payload string) error {
	return protocol.WritePacket(c.rw, protocol.NewPacket(id, typ, payload))
}

// splitUTF8 cuts s into pieces of at most max bytes without splitting a
// multi-byte rune, so every piece is valid UTF-8 on its own.
func splitUTF8(s string, max int) []string {
	var chunks []string
	for len(s) > 0 {
		if len(s) <= max {
			chunks = append(chunks, s)
			break
		}
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			// max is smaller than the leading rune.
			_, cut = utf8.DecodeRuneInString(s)
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return chunks
}
