package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Options configures Dial.
type Options struct {
	Mode DialMode
	// TLSConfig is used by DialTLS and DialQUIC. When nil, ClientTLSConfig
	// is built from the dialed host name.
	TLSConfig *tls.Config
	// Insecure skips certificate verification when TLSConfig is nil.
	Insecure bool
}

// Dial opens a stream to addr ("host:port") using the selected transport.
func Dial(ctx context.Context, addr string, opts Options) (Stream, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", addr, err)
	}

	tlsConf := opts.TLSConfig
	if tlsConf == nil && opts.Mode != DialTCP {
		tlsConf = ClientTLSConfig(host, opts.Insecure)
	}

	switch opts.Mode {
	case DialTCP:
		return dialTCP(ctx, addr, nil)
	case DialTLS:
		return dialTCP(ctx, addr, tlsConf)
	case DialQUIC:
		return dialQUIC(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("unsupported dial mode %d", opts.Mode)
	}
}
