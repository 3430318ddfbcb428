package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// streamAcceptTimeout bounds how long a new QUIC connection may stay
// without opening its stream before it is dropped.
var streamAcceptTimeout = 10 * time.Second

// quicListener accepts QUIC connections and hands out the first stream the
// client opens on each. Connections wait for their stream in the
// background, so a client that never opens one does not hold up others.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int

	streams chan acceptRes
	ctx     context.Context
	cancel  context.CancelFunc
}

// listenQUIC creates a QUIC listener using the provided TLS certificate.
func listenQUIC(host string, port int, cert tls.Certificate) (*quicListener, error) {
	addr, err := net.ResolveUDPAddr("udp", joinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve UDP address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		tr:      tr,
		ln:      ln,
		port:    udpConn.LocalAddr().(*net.UDPAddr).Port,
		streams: make(chan acceptRes),
		ctx:     ctx,
		cancel:  cancel,
	}
	go l.acceptConns()
	return l, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

func (l *quicListener) acceptConns() {
	for {
		qconn, err := l.ln.Accept(l.ctx)
		if err != nil {
			select {
			case l.streams <- acceptRes{err: fmt.Errorf("accept QUIC connection: %w", err)}:
			case <-l.ctx.Done():
			}
			return
		}
		go l.acceptStream(qconn)
	}
}

func (l *quicListener) acceptStream(qconn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()

	// A connection without a stream only concerns its own client, so the
	// failure is not reported through Accept.
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return
	}

	select {
	case l.streams <- acceptRes{stream: &quicStream{Stream: stream, conn: qconn}}:
	case <-l.ctx.Done():
		qconn.CloseWithError(0, "listener closed")
	}
}

// Accept waits for the next client connection that has opened its stream.
func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case res := <-l.streams:
		return res.stream, res.err
	case <-l.ctx.Done():
		return nil, fmt.Errorf("accept QUIC connection: %w", net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	l.cancel()
	l.ln.Close()
	return l.tr.Close()
}
