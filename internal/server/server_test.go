package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/chronologos/gorcon/internal/client"
	"github.com/chronologos/gorcon/internal/protocol"
	"github.com/chronologos/gorcon/internal/transport"
)

const testPassword = "correct horse"

// startTestServer runs a server on a random port in the background. Cleanup
// cancels it and waits for Run to exit.
func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Password == "" {
		cfg.Password = testPassword
	}
	s := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	select {
	case <-s.Ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timeout waiting for server to start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func dialTestServer(t *testing.T, s *Server, mode transport.DialMode, cfg client.Config) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := "127.0.0.1:" + strconv.Itoa(s.Port)
	stream, err := transport.Dial(ctx, addr, transport.Options{Mode: mode, Insecure: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { stream.Close() })
	return client.New(stream, cfg)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAuthAndEcho(t *testing.T) {
	s := startTestServer(t, Config{})
	c := dialTestServer(t, s, transport.DialTCP, client.Config{})
	ctx := testCtx(t)

	if err := c.Authenticate(ctx, testPassword); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	out, err := c.ExecuteCommand(ctx, "echo hello there")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "hello there" {
		t.Fatalf("out = %q", out)
	}
}

func TestWrongPasswordThenRetry(t *testing.T) {
	s := startTestServer(t, Config{})
	c := dialTestServer(t, s, transport.DialTCP, client.Config{})
	ctx := testCtx(t)

	if err := c.Authenticate(ctx, "nope"); !errors.Is(err, client.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if err := c.Authenticate(ctx, testPassword); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestUnauthenticatedCommandRejected(t *testing.T) {
	s := startTestServer(t, Config{})
	c := dialTestServer(t, s, transport.DialTCP, client.Config{})
	ctx := testCtx(t)

	if err := c.Send(ctx, protocol.TypeExecCommand, "echo hi"); err != nil {
		t.Fatal(err)
	}
	p, err := c.ReceivePacket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsError() || p.Payload != "" {
		t.Fatalf("got %+v, want error packet", p)
	}
}

func TestUnknownRequestType(t *testing.T) {
	s := startTestServer(t, Config{})
	c := dialTestServer(t, s, transport.DialTCP, client.Config{})
	ctx := testCtx(t)

	if err := c.Send(ctx, protocol.UnknownType(9), ""); err != nil {
		t.Fatal(err)
	}
	p, err := c.ReceivePacket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != protocol.TypeResponse || p.Payload != "Unknown request 9" {
		t.Fatalf("got %+v", p)
	}
}

func TestMultiPacketReply(t *testing.T) {
	long := strings.Repeat("é", 40) // 80 bytes
	mux := NewMux()
	mux.Handle("long", func(context.Context, string) string { return long })

	s := startTestServer(t, Config{Handler: mux, MultiPacket: true, MaxChunk: 25})
	c := dialTestServer(t, s, transport.DialTCP, client.Config{MultiResponse: true})
	ctx := testCtx(t)

	if err := c.Authenticate(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	out, err := c.ExecuteCommand(ctx, "long")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 3 || out[len(out)-1] != "" {
		t.Fatalf("want several chunks ending in empty payload, got %q", out)
	}
	if strings.Join(out, "") != long {
		t.Fatal("chunks do not reassemble to the original output")
	}

	// Empty output is just the terminator.
	out, err = c.ExecuteCommand(ctx, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "" {
		t.Fatalf("out = %q", out)
	}
}

func TestSinglePacketTruncates(t *testing.T) {
	mux := NewMux()
	mux.Handle("long", func(context.Context, string) string { return strings.Repeat("x", 100) })

	s := startTestServer(t, Config{Handler: mux, MaxChunk: 10})
	c := dialTestServer(t, s, transport.DialTCP, client.Config{})
	ctx := testCtx(t)

	if err := c.Authenticate(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	out, err := c.ExecuteCommand(ctx, "long")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != strings.Repeat("x", 10) {
		t.Fatalf("out = %q", out)
	}
}

func TestQUICEndToEnd(t *testing.T) {
	s := startTestServer(t, Config{Mode: transport.ListenQUIC})
	c := dialTestServer(t, s, transport.DialQUIC, client.Config{})
	ctx := testCtx(t)

	if err := c.Authenticate(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	out, err := c.ExecuteCommand(ctx, "echo over quic")
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "over quic" {
		t.Fatalf("out = %q", out)
	}
}

func TestDualServesTCPAndQUIC(t *testing.T) {
	s := startTestServer(t, Config{Mode: transport.ListenDual})
	for _, mode := range []transport.DialMode{transport.DialTCP, transport.DialQUIC} {
		c := dialTestServer(t, s, mode, client.Config{})
		ctx := testCtx(t)
		if err := c.Authenticate(ctx, testPassword); err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	opened   int
	requests []protocol.PacketType
	rejected int
}

func (o *recordingObserver) ConnectionOpened() {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *recordingObserver) ConnectionClosed() {}

func (o *recordingObserver) RequestHandled(typ protocol.PacketType, _ time.Duration) {
	o.mu.Lock()
	o.requests = append(o.requests, typ)
	o.mu.Unlock()
}

func (o *recordingObserver) AuthRejected() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	s := startTestServer(t, Config{Observer: obs})
	c := dialTestServer(t, s, transport.DialTCP, client.Config{})
	ctx := testCtx(t)

	c.Authenticate(ctx, "bad")
	if err := c.Authenticate(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecuteCommand(ctx, "help"); err != nil {
		t.Fatal(err)
	}

	// RequestHandled fires after the reply is written.
	deadline := time.Now().Add(5 * time.Second)
	for {
		obs.mu.Lock()
		n := len(obs.requests)
		obs.mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.opened != 1 || obs.rejected != 1 {
		t.Fatalf("opened=%d rejected=%d", obs.opened, obs.rejected)
	}
	want := []protocol.PacketType{protocol.TypeAuth, protocol.TypeAuth, protocol.TypeExecCommand}
	if len(obs.requests) != len(want) {
		t.Fatalf("requests = %v", obs.requests)
	}
	for i := range want {
		if obs.requests[i] != want[i] {
			t.Fatalf("requests = %v", obs.requests)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Config{Password: testPassword})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	<-s.Ready

	c := dialTestServer(t, s, transport.DialTCP, client.Config{})
	if err := c.Authenticate(testCtx(t), testPassword); err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// The open connection was closed by the server.
	if _, err := c.ExecuteCommand(testCtx(t), "echo hi"); !errors.Is(err, client.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestSplitUTF8(t *testing.T) {
	if got := splitUTF8("", 4); len(got) != 0 {
		t.Fatalf("empty: %q", got)
	}
	got := splitUTF8("abcdefghij", 4)
	if len(got) != 3 || got[0] != "abcd" || got[2] != "ij" {
		t.Fatalf("ascii: %q", got)
	}
	s := "aé€😀b"
	for max := 1; max <= len(s); max++ {
		parts := splitUTF8(s, max)
		if strings.Join(parts, "") != s {
			t.Fatalf("max %d: parts %q do not reassemble", max, parts)
		}
		for _, p := range parts {
			if !utf8.ValidString(p) {
				t.Fatalf("max %d: invalid chunk %q", max, p)
			}
			if len(p) > max && utf8.RuneCountInString(p) > 1 {
				t.Fatalf("max %d: oversized chunk %q", max, p)
			}
		}
	}
}

func TestMux(t *testing.T) {
	m := NewMux()
	m.Handle("Say", func(_ context.Context, args string) string { return "[Server] " + args })
	ctx := context.Background()

	if got := m.ServeCommand(ctx, "  say   hi all "); got != "[Server] hi all" {
		t.Fatalf("say: %q", got)
	}
	if got := m.ServeCommand(ctx, "nope x"); got != "Unknown command: nope" {
		t.Fatalf("unknown: %q", got)
	}
	if got := m.ServeCommand(ctx, "help"); got != "Commands: echo, help, say" {
		t.Fatalf("help: %q", got)
	}
}
