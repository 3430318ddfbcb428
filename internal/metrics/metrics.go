// Package metrics exports RCON client and server activity to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chronologos/gorcon/internal/client"
	"github.com/chronologos/gorcon/internal/protocol"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "gorcon").
	Namespace string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets are the command latency histogram buckets.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is where collectors register.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func newConfig(opts []Option) Config {
	cfg := Config{
		Namespace: "gorcon",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Outcome labels for command and request counters.
const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport"
	OutcomeTooLarge  = "too_large"
	OutcomeMalformed = "malformed"
	OutcomeError     = "error"
)

// Outcome classifies err for the "outcome" label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, client.ErrPayloadTooLarge):
		return OutcomeTooLarge
	case errors.Is(err, protocol.ErrMalformedPayload), errors.Is(err, protocol.ErrInvalidLength):
		return OutcomeMalformed
	case errors.Is(err, client.ErrTransport):
		return OutcomeTransport
	default:
		return OutcomeError
	}
}

// Client records client.Conn events. It implements client.Observer.
type Client struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	auths           *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration prometheus.Histogram
	responses       prometheus.Histogram
}

var _ client.Observer = (*Client)(nil)

// NewClient registers the client collectors.
func NewClient(opts ...Option) *Client {
	cfg := newConfig(opts)
	factory := promauto.With(cfg.Registry)
	const sub = "client"

	return &Client{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "packets_sent_total",
			Help:        "RCON packets written, by packet type.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "packets_received_total",
			Help:        "RCON packets decoded, by packet type.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "sent_bytes_total",
			Help:        "Bytes written including framing.",
			ConstLabels: cfg.ConstLabels,
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "received_bytes_total",
			Help:        "Bytes read including framing.",
			ConstLabels: cfg.ConstLabels,
		}),
		auths: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "auth_total",
			Help:        "Authentication verdicts received.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "commands_total",
			Help:        "Commands executed, by outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),
		commandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "command_duration_seconds",
			Help:        "Time from sending a command to its last response packet.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
		responses: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "command_responses",
			Help:        "Response packets per successful command.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{1, 2, 4, 8, 16, 32, 64},
		}),
	}
}

func (m *Client) PacketSent(typ protocol.PacketType, size int) {
	m.packetsSent.WithLabelValues(typ.String()).Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Client) PacketReceived(typ protocol.PacketType, size int) {
	m.packetsReceived.WithLabelValues(typ.String()).Inc()
	m.bytesReceived.Add(float64(size))
}

func (m *Client) AuthCompleted(ok bool) {
	if ok {
		m.auths.WithLabelValues("accepted").Inc()
		return
	}
	m.auths.WithLabelValues("rejected").Inc()
}

func (m *Client) CommandCompleted(d time.Duration, responses int, err error) {
	m.commands.WithLabelValues(Outcome(err)).Inc()
	if err != nil {
		return
	}
	m.commandDuration.Observe(d.Seconds())
	m.responses.Observe(float64(responses))
}

// Server records reference server activity.
type Server struct {
	connections     prometheus.Counter
	activeConns     prometheus.Gauge
	requests        *prometheus.CounterVec
	authFailures    prometheus.Counter
	requestDuration prometheus.Histogram
}

// NewServer registers the server collectors.
func NewServer(opts ...Option) *Server {
	cfg := newConfig(opts)
	factory := promauto.With(cfg.Registry)
	const sub = "server"

	return &Server{
		connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "connections_total",
			Help:        "Streams accepted.",
			ConstLabels: cfg.ConstLabels,
		}),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "active_connections",
			Help:        "Streams currently being served.",
			ConstLabels: cfg.ConstLabels,
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "requests_total",
			Help:        "Requests handled, by packet type.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "auth_failures_total",
			Help:        "Rejected passwords.",
			ConstLabels: cfg.ConstLabels,
		}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   sub,
			Name:        "request_duration_seconds",
			Help:        "Time spent handling one request including writing the reply.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
	}
}

func (m *Server) ConnectionOpened() {
	m.connections.Inc()
	m.activeConns.Inc()
}

func (m *Server) ConnectionClosed() {
	m.activeConns.Dec()
}

func (m *Server) RequestHandled(typ protocol.PacketType, d time.Duration) {
	m.requests.WithLabelValues(typ.String()).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *Server) AuthRejected() {
	m.authFailures.Inc()
}
