package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gorcon/internal/protocol"
)

const tracerName = "github.com/chronologos/gorcon/internal/client"

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Observer receives protocol events. internal/metrics provides the
// prometheus-backed implementation.
type Observer interface {
	PacketSent(typ protocol.PacketType, size int)
	PacketReceived(typ protocol.PacketType, size int)
	AuthCompleted(ok bool)
	CommandCompleted(d time.Duration, responses int, err error)
}

type nopObserver struct{}

func (nopObserver) PacketSent(protocol.PacketType, int)        {}
func (nopObserver) PacketReceived(protocol.PacketType, int)    {}
func (nopObserver) AuthCompleted(bool)                         {}
func (nopObserver) CommandCompleted(time.Duration, int, error) {}

// Config holds connection configuration. The zero value is usable.
type Config struct {
	// DefaultSequenceID is the first packet id and the value ids restart
	// from after reaching math.MaxInt32.
	DefaultSequenceID int32
	// MaxPayloadSize bounds commands and passwords in bytes.
	// 0 means protocol.DefaultMaxPayloadSize.
	MaxPayloadSize int
	// MultiResponse reads replies until an empty payload arrives instead of
	// reading exactly one packet per command.
	MultiResponse bool

	Logger   *zerolog.Logger // nil disables logging
	Observer Observer        // nil disables metrics
}

// Conn is one RCON session over an ordered duplex byte stream.
//
// A Conn handles one request at a time and is not safe for concurrent use.
// Callers sharing a Conn across goroutines must serialize access themselves.
type Conn struct {
	rw            io.ReadWriter
	defaultID     int32
	currentID     int32
	maxPayload    int
	multiResponse bool

	log    zerolog.Logger
	obs    Observer
	tracer trace.Tracer
}

// New wraps rw in a Conn. rw may optionally implement Flush() error, which
// is called after every packet, and SetDeadline(time.Time) error, which is
// used to honor context deadlines and cancellation.
func New(rw io.ReadWriter, cfg Config) *Conn {
	maxPayload := cfg.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayloadSize
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "client").Logger()
	}
	var obs Observer = nopObserver{}
	if cfg.Observer != nil {
		obs = cfg.Observer
	}
	return &Conn{
		rw:            rw,
		defaultID:     cfg.DefaultSequenceID,
		currentID:     cfg.DefaultSequenceID,
		maxPayload:    maxPayload,
		multiResponse: cfg.MultiResponse,
		log:           logger,
		obs:           obs,
		tracer:        otel.Tracer(tracerName),
	}
}

// MaxPayloadSize returns the effective payload limit.
func (c *Conn) MaxPayloadSize() int { return c.maxPayload }

// MultiResponse reports whether replies are read until an empty payload.
func (c *Conn) MultiResponse() bool { return c.multiResponse }

// Authenticate sends password and waits for the server's verdict.
//
// Packets other than AuthResponse are skipped: Source servers send an empty
// response packet ahead of the real answer. Frames whose payload fails to
// decode are skipped as well. An I/O error ends the wait.
func (c *Conn) Authenticate(ctx context.Context, password string) (err error) {
	ctx, span := c.tracer.Start(ctx, "rcon.Authenticate")
	defer func() { endSpan(span, err) }()

	if len(password) > c.maxPayload {
		return fmt.Errorf("%w: password is %d bytes, limit %d", ErrPayloadTooLarge, len(password), c.maxPayload)
	}

	release, err := c.bind(ctx)
	if err != nil {
		return err
	}
	defer release()

	id, err := c.send(ctx, protocol.TypeAuth, password)
	if err != nil {
		return err
	}
	c.log.Debug().Int32("id", id).Msg("auth sent")

	for {
		p, err := c.receivePacket(ctx)
		if err != nil {
			if isDataError(err) {
				c.log.Debug().Err(err).Msg("skipping undecodable packet while authenticating")
				continue
			}
			return err
		}
		if p.Type != protocol.TypeAuthResponse {
			c.log.Debug().Stringer("type", p.Type).Int32("id", p.ID).Msg("skipping packet while authenticating")
			continue
		}
		if p.IsError() {
			c.obs.AuthCompleted(false)
			c.log.Warn().Int32("id", p.ID).Msg("authentication rejected")
			return ErrAuthFailed
		}
		c.obs.AuthCompleted(true)
		c.log.Debug().Int32("id", p.ID).Msg("authenticated")
		return nil
	}
}

// ExecuteCommand runs command on the server and returns its output.
//
// In single-response mode the result has exactly one element. In
// multi-response mode it holds every payload up to and including the empty
// one that ends the reply. A packet that cannot be decoded fails the call
// only after the rest of its reply has been consumed.
func (c *Conn) ExecuteCommand(ctx context.Context, command string) (out []string, err error) {
	ctx, span := c.tracer.Start(ctx, "rcon.ExecuteCommand", trace.WithAttributes(
		attribute.Int("rcon.command_bytes", len(command)),
		attribute.Bool("rcon.multi_response", c.multiResponse),
	))
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("rcon.responses", len(out)))
		endSpan(span, err)
		c.obs.CommandCompleted(time.Since(start), len(out), err)
	}()

	if len(command) > c.maxPayload {
		return nil, fmt.Errorf("%w: command is %d bytes, limit %d", ErrPayloadTooLarge, len(command), c.maxPayload)
	}

	release, err := c.bind(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	id, err := c.send(ctx, protocol.TypeExecCommand, command)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Int32("id", id).Str("command", command).Msg("command sent")

	return c.receive(ctx)
}

// Send encodes payload as a packet of type typ with the next sequence id.
func (c *Conn) Send(ctx context.Context, typ protocol.PacketType, payload string) error {
	release, err := c.bind(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = c.send(ctx, typ, payload)
	return err
}

// Receive reads one reply according to the configured response mode.
func (c *Conn) Receive(ctx context.Context) ([]string, error) {
	release, err := c.bind(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.receive(ctx)
}

// ReceivePacket reads and decodes a single packet.
func (c *Conn) ReceivePacket(ctx context.Context) (protocol.Packet, error) {
	release, err := c.bind(ctx)
	if err != nil {
		return protocol.Packet{}, err
	}
	defer release()

	return c.receivePacket(ctx)
}

func (c *Conn) receive(ctx context.Context) ([]string, error) {
	if !c.multiResponse {
		p, err := c.receivePacket(ctx)
		if err != nil {
			return nil, err
		}
		return []string{p.Payload}, nil
	}

	// An undecodable packet mid-reply fails the call, but the rest of the
	// reply is still read up to the terminator so the next command starts
	// on its own packets.
	var (
		responses []string
		dataErr   error
	)
	for {
		p, err := c.receivePacket(ctx)
		if err != nil {
			if !isDataError(err) {
				return nil, err
			}
			if dataErr == nil {
				dataErr = err
			}
			c.log.Debug().Err(err).Msg("draining reply after undecodable packet")
			continue
		}
		if p.Payload == "" {
			if dataErr != nil {
				return nil, dataErr
			}
			return append(responses, p.Payload), nil
		}
		if dataErr == nil {
			responses = append(responses, p.Payload)
		}
	}
}

func (c *Conn) send(ctx context.Context, typ protocol.PacketType, payload string) (int32, error) {
	p := protocol.NewPacket(c.nextID(), typ, payload)
	if err := protocol.WritePacket(c.rw, p); err != nil {
		return 0, ioError(ctx, "write packet", err)
	}
	c.obs.PacketSent(typ, int(p.Length)+4)
	return p.ID, nil
}

func (c *Conn) receivePacket(ctx context.Context) (protocol.Packet, error) {
	p, err := protocol.ReadPacket(c.rw)
	if err != nil {
		if isDataError(err) {
			return protocol.Packet{}, fmt.Errorf("client: read packet: %w", err)
		}
		return protocol.Packet{}, ioError(ctx, "read packet", err)
	}
	c.obs.PacketReceived(p.Type, int(p.Length)+4)
	return p, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// bind ties the stream to ctx for one call: the context deadline becomes
// the stream deadline, and cancellation expires it immediately. The
// returned func must run before the next call binds.
func (c *Conn) bind(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	d, ok := c.rw.(deadliner)
	if !ok {
		return func() {}, nil
	}

	deadline, _ := ctx.Deadline() // zero clears any previous deadline
	if err := d.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %w", ErrTransport, err)
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		d.SetDeadline(aLongTimeAgo)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
	}, nil
}

func ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w: %w", ErrTransport, op, ctxErr, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
