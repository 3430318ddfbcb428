package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// DialMode selects which transport carries the RCON byte stream.
type DialMode int

const (
	DialTCP DialMode = iota // plain TCP, what game servers speak
	DialTLS                 // TCP wrapped in TLS
	DialQUIC                // one bidirectional QUIC stream
)

func (m DialMode) String() string {
	switch m {
	case DialTCP:
		return "tcp"
	case DialTLS:
		return "tls"
	case DialQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseDialMode accepts the names printed by DialMode.String.
func ParseDialMode(s string) (DialMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return DialTCP, nil
	case "tls":
		return DialTLS, nil
	case "quic":
		return DialQUIC, nil
	default:
		return 0, fmt.Errorf("unknown transport %q (want tcp, tls or quic)", s)
	}
}

// Stream is an ordered, reliable duplex byte stream. net.Conn, *tls.Conn
// and the QUIC stream wrapper all satisfy it.
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Listener accepts server-side streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Port() int
	Close() error
}
