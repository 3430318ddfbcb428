package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ListenMode selects which listeners the reference server opens.
type ListenMode int

const (
	ListenTCP  ListenMode = iota // plain TCP
	ListenTLS                    // TCP+TLS
	ListenQUIC                   // QUIC (UDP)
	ListenDual                   // plain TCP and QUIC on the same port number
)

func (m ListenMode) String() string {
	switch m {
	case ListenTCP:
		return "tcp"
	case ListenTLS:
		return "tls"
	case ListenQUIC:
		return "quic"
	case ListenDual:
		return "dual"
	default:
		return "unknown"
	}
}

// ParseListenMode accepts the names printed by ListenMode.String, ignoring
// case and surrounding space.
func ParseListenMode(s string) (ListenMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return ListenTCP, nil
	case "tls":
		return ListenTLS, nil
	case "quic":
		return ListenQUIC, nil
	case "dual":
		return ListenDual, nil
	default:
		return 0, fmt.Errorf("unknown listen mode %q (want tcp, tls, quic or dual)", s)
	}
}

// ListenOptions configures Listen.
type ListenOptions struct {
	Mode ListenMode
	Host string // bind address; empty means all interfaces
	Port int    // 0 picks a free port
	// Cert is used by the TLS and QUIC listeners. When nil a self-signed
	// certificate is generated for Host.
	Cert *tls.Certificate
}

// Listen opens the listeners selected by opts.Mode.
func Listen(opts ListenOptions) (Listener, error) {
	var cert tls.Certificate
	if opts.Mode != ListenTCP {
		if opts.Cert != nil {
			cert = *opts.Cert
		} else {
			var err error
			cert, err = GenerateSelfSignedCert(certHosts(opts.Host)...)
			if err != nil {
				return nil, fmt.Errorf("generate TLS cert: %w", err)
			}
		}
	}

	switch opts.Mode {
	case ListenTCP:
		return listenTCP(opts.Host, opts.Port, nil)
	case ListenTLS:
		return listenTCP(opts.Host, opts.Port, ServerTLSConfig(cert))
	case ListenQUIC:
		return listenQUIC(opts.Host, opts.Port, cert)
	case ListenDual:
		return listenDual(opts.Host, opts.Port, cert)
	default:
		return nil, fmt.Errorf("unsupported listen mode %d", opts.Mode)
	}
}

func certHosts(host string) []string {
	if host == "" {
		return []string{"localhost", "127.0.0.1", "::1"}
	}
	return []string{host}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
