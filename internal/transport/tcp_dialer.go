package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// dialTCP connects to addr over TCP, wrapping the connection in TLS when
// tlsConf is non-nil.
func dialTCP(ctx context.Context, addr string, tlsConf *tls.Config) (Stream, error) {
	if tlsConf == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("TCP dial: %w", err)
		}
		return conn, nil
	}

	dialer := &tls.Dialer{Config: tlsConf}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS dial: %w", err)
	}
	return conn, nil
}
