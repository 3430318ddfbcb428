package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:    30 * time.Second,
	KeepAlivePeriod:   10 * time.Second,
	InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
}

// dialQUIC connects to addr over QUIC and opens the single bidirectional
// stream that carries RCON packets.
func dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Stream, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	network := "udp6"
	if udpAddr.IP.To4() != nil {
		network = "udp4"
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, udpAddr, tlsConf, quicConfig)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	// The server sees the stream on the first write, which is always the
	// client's auth packet.
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return &quicStream{Stream: stream, conn: qconn, tr: tr}, nil
}

// quicStream ties a QUIC stream to the connection it runs on, so closing
// the stream tears down the whole connection.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
	tr   *quic.Transport // client side only; keeps the UDP socket alive
}

// Close closes the stream, the QUIC connection and, on the client side,
// the UDP transport.
func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	s.conn.CloseWithError(0, "closed")
	if s.tr != nil {
		return s.tr.Close()
	}
	return nil
}
