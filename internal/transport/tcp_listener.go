package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// tcpListener accepts plain TCP or TCP+TLS streams.
type tcpListener struct {
	ln   net.Listener
	port int
}

// listenTCP creates a TCP listener, wrapped in TLS when tlsConf is non-nil.
func listenTCP(host string, port int, tlsConf *tls.Config) (*tcpListener, error) {
	ln, err := net.Listen("tcp", joinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for the next TCP connection.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The goroutine may still be blocked on l.ln.Accept(). It unblocks
		// when the caller closes the listener; a connection accepted before
		// that is closed so it doesn't leak.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the TCP listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}
