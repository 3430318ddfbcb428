package transport

import (
	"context"
	"crypto/tls"
	"fmt"
)

// dualListener accepts streams from both a QUIC (UDP) and a plain TCP
// listener on the same port number. Accept() returns whichever stream
// arrives first.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	port int

	// streamCh receives streams from both accept loops.
	streamCh chan acceptRes
	// cancel stops both accept loops on Close.
	cancel context.CancelFunc
}

type acceptRes struct {
	stream Stream
	err    error
}

// listenDual binds QUIC first (gets a random port from the OS when port is
// 0), then TCP on the same port.
func listenDual(host string, port int, cert tls.Certificate) (*dualListener, error) {
	ql, err := listenQUIC(host, port, cert)
	if err != nil {
		return nil, err
	}

	// UDP and TCP port numbers don't conflict.
	tl, err := listenTCP(host, ql.Port(), nil)
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:     ql,
		tcp:      tl,
		port:     ql.Port(),
		streamCh: make(chan acceptRes, 4),
		cancel:   cancel,
	}

	go dl.acceptLoop(ctx, ql)
	go dl.acceptLoop(ctx, tl)

	return dl, nil
}

func (dl *dualListener) acceptLoop(ctx context.Context, ln Listener) {
	for {
		stream, err := ln.Accept(ctx)
		select {
		case dl.streamCh <- acceptRes{stream: stream, err: err}:
		case <-ctx.Done():
			if stream != nil {
				stream.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Accept returns the next stream from either transport.
func (dl *dualListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case res := <-dl.streamCh:
		return res.stream, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tcpErr := dl.tcp.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tcpErr
}
