package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"testing"
	"time"

	"github.com/chronologos/gorcon/internal/protocol"
)

// mockStream feeds scripted server replies to the client and records
// everything the client writes.
type mockStream struct {
	in  bytes.Buffer // server -> client
	out bytes.Buffer // client -> server
}

func (m *mockStream) Read(p []byte) (int, error)  { return m.in.Read(p) }
func (m *mockStream) Write(p []byte) (int, error) { return m.out.Write(p) }

func newMockStream(t *testing.T, replies ...protocol.Packet) *mockStream {
	t.Helper()
	m := &mockStream{}
	for _, p := range replies {
		if err := protocol.WritePacket(&m.in, p); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

// malformedFrame is a complete frame whose payload is not valid UTF-8.
func malformedFrame(id int32) []byte {
	buf := make([]byte, protocol.HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], 12)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], 2)
	return append(buf, 0xff, 0xfe, 0, 0)
}

// shortFrame is a frame whose declared length is below the packet overhead,
// followed by the extra bytes that length claims.
func shortFrame(length, id int32) []byte {
	buf := make([]byte, protocol.HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], 2)
	if extra := length - 8; extra > 0 {
		buf = append(buf, make([]byte, extra)...)
	}
	return buf
}

// sentRequests decodes everything the client wrote.
func sentRequests(t *testing.T, m *mockStream) []protocol.Packet {
	t.Helper()
	var out []protocol.Packet
	r := bytes.NewReader(m.out.Bytes())
	for r.Len() > 0 {
		p, err := protocol.ReadRequest(r)
		if err != nil {
			t.Fatalf("decode request: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func TestExecuteSingleResponse(t *testing.T) {
	m := newMockStream(t,
		protocol.NewPacket(0, protocol.TypeResponse, "hostname: test"),
		protocol.NewPacket(0, protocol.TypeResponse, "not read"),
	)
	c := New(m, Config{})

	out, err := c.ExecuteCommand(context.Background(), "status")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "hostname: test" {
		t.Fatalf("unexpected output: %q", out)
	}

	reqs := sentRequests(t, m)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Type != protocol.TypeExecCommand || reqs[0].Payload != "status" || reqs[0].ID != 0 {
		t.Fatalf("unexpected request: %+v", reqs[0])
	}
	if m.in.Len() == 0 {
		t.Fatal("single-response mode read past the first packet")
	}
}

func TestExecuteMultiResponse(t *testing.T) {
	m := newMockStream(t,
		protocol.NewPacket(1, protocol.TypeResponse, "part1"),
		protocol.NewPacket(1, protocol.TypeResponse, "part2"),
		protocol.NewPacket(1, protocol.TypeResponse, ""),
		protocol.NewPacket(9, protocol.TypeResponse, "next reply"),
	)
	c := New(m, Config{MultiResponse: true})

	out, err := c.ExecuteCommand(context.Background(), "cvarlist")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"part1", "part2", ""}
	if len(out) != len(want) {
		t.Fatalf("got %q, want %q", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %q, want %q", out, want)
		}
	}

	p, err := protocol.ReadPacket(&m.in)
	if err != nil {
		t.Fatalf("packet after terminator should remain unread: %v", err)
	}
	if p.Payload != "next reply" {
		t.Fatalf("unexpected leftover: %q", p.Payload)
	}
}

func TestExecuteMultiResponseStreamEndsEarly(t *testing.T) {
	m := newMockStream(t, protocol.NewPacket(1, protocol.TypeResponse, "part1"))
	c := New(m, Config{MultiResponse: true})

	_, err := c.ExecuteCommand(context.Background(), "cvarlist")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected transport EOF, got %v", err)
	}
}

func TestOversizedCommandRejectedBeforeIO(t *testing.T) {
	m := newMockStream(t)
	c := New(m, Config{MaxPayloadSize: 16})

	_, err := c.ExecuteCommand(context.Background(), "say this message is far too long")
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if m.out.Len() != 0 {
		t.Fatalf("expected no writes, got %d bytes", m.out.Len())
	}
}

func TestCommandAtLimitIsSent(t *testing.T) {
	m := newMockStream(t, protocol.NewPacket(0, protocol.TypeResponse, "ok"))
	c := New(m, Config{})

	cmd := string(bytes.Repeat([]byte("a"), protocol.DefaultMaxPayloadSize))
	if _, err := c.ExecuteCommand(context.Background(), cmd); err != nil {
		t.Fatalf("command of exactly the limit: %v", err)
	}
	if _, err := c.ExecuteCommand(context.Background(), cmd+"a"); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge one byte over, got %v", err)
	}
}

func TestOversizedPasswordRejectedBeforeIO(t *testing.T) {
	m := newMockStream(t)
	c := New(m, Config{MaxPayloadSize: 4})

	if err := c.Authenticate(context.Background(), "hunter2"); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if m.out.Len() != 0 {
		t.Fatalf("expected no writes, got %d bytes", m.out.Len())
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	m := newMockStream(t,
		protocol.NewPacket(0, protocol.TypeResponse, ""), // Source's leading empty reply
		protocol.NewPacket(7, protocol.TypeAuthResponse, ""),
	)
	c := New(m, Config{})

	if err := c.Authenticate(context.Background(), "hunter2"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	reqs := sentRequests(t, m)
	if len(reqs) != 1 || reqs[0].Type != protocol.TypeAuth || reqs[0].Payload != "hunter2" {
		t.Fatalf("unexpected auth request: %+v", reqs)
	}
}

func TestAuthenticateFailureLeavesConnUsable(t *testing.T) {
	m := newMockStream(t,
		protocol.NewPacket(-1, protocol.TypeAuthResponse, ""),
		protocol.NewPacket(1, protocol.TypeAuthResponse, ""),
	)
	c := New(m, Config{})

	if err := c.Authenticate(context.Background(), "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if err := c.Authenticate(context.Background(), "right"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	reqs := sentRequests(t, m)
	if len(reqs) != 2 || reqs[0].ID != 0 || reqs[1].ID != 1 {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestAuthenticateSkipsUndecodablePackets(t *testing.T) {
	m := newMockStream(t)
	m.in.Write(malformedFrame(3))
	if err := protocol.WritePacket(&m.in, protocol.NewPacket(3, protocol.TypeAuthResponse, "")); err != nil {
		t.Fatal(err)
	}
	c := New(m, Config{})

	if err := c.Authenticate(context.Background(), "pw"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticateIOErrorTerminates(t *testing.T) {
	m := newMockStream(t, protocol.NewPacket(0, protocol.TypeResponse, ""))
	c := New(m, Config{})

	err := c.Authenticate(context.Background(), "pw")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected transport EOF, got %v", err)
	}
}

func TestExecuteMalformedPayload(t *testing.T) {
	m := newMockStream(t)
	m.in.Write(malformedFrame(0))
	c := New(m, Config{})

	_, err := c.ExecuteCommand(context.Background(), "status")
	if !errors.Is(err, protocol.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("malformed payload must not be reported as transport error: %v", err)
	}
}

func TestAuthenticateSkipsShortFrame(t *testing.T) {
	m := newMockStream(t)
	m.in.Write(shortFrame(9, 0))
	if err := protocol.WritePacket(&m.in, protocol.NewPacket(-1, protocol.TypeAuthResponse, "")); err != nil {
		t.Fatal(err)
	}
	c := New(m, Config{})

	err := c.Authenticate(context.Background(), "pw")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAuthenticateUnrecoverableLength(t *testing.T) {
	m := newMockStream(t)
	m.in.Write(shortFrame(4, 0))
	if err := protocol.WritePacket(&m.in, protocol.NewPacket(0, protocol.TypeAuthResponse, "")); err != nil {
		t.Fatal(err)
	}
	c := New(m, Config{})

	err := c.Authenticate(context.Background(), "pw")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, protocol.ErrOutOfSync) {
		t.Fatalf("expected transport error for out-of-sync stream, got %v", err)
	}
}

func TestExecuteMultiResponseDrainsAfterMalformedPayload(t *testing.T) {
	m := newMockStream(t)
	m.in.Write(malformedFrame(0))
	for _, p := range []protocol.Packet{
		protocol.NewPacket(0, protocol.TypeResponse, "tail-of-first"),
		protocol.NewPacket(0, protocol.TypeResponse, ""),
		protocol.NewPacket(1, protocol.TypeResponse, "second-out"),
		protocol.NewPacket(1, protocol.TypeResponse, ""),
	} {
		if err := protocol.WritePacket(&m.in, p); err != nil {
			t.Fatal(err)
		}
	}
	c := New(m, Config{MultiResponse: true})

	_, err := c.ExecuteCommand(context.Background(), "first")
	if !errors.Is(err, protocol.ErrMalformedPayload) || errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}

	out, err := c.ExecuteCommand(context.Background(), "second")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0] != "second-out" || out[1] != "" {
		t.Fatalf("second command got %q", out)
	}
	if m.in.Len() != 0 {
		t.Fatalf("%d bytes left unread", m.in.Len())
	}
}

func TestExecuteMultiResponseDrainStopsOnIOError(t *testing.T) {
	m := newMockStream(t)
	m.in.Write(malformedFrame(0))
	if err := protocol.WritePacket(&m.in, protocol.NewPacket(0, protocol.TypeResponse, "partial")); err != nil {
		t.Fatal(err)
	}
	c := New(m, Config{MultiResponse: true})

	_, err := c.ExecuteCommand(context.Background(), "first")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected transport EOF, got %v", err)
	}
}

type failingStream struct{ err error }

func (f failingStream) Read([]byte) (int, error)  { return 0, f.err }
func (f failingStream) Write([]byte) (int, error) { return 0, f.err }

func TestWriteErrorIsTransport(t *testing.T) {
	cause := errors.New("connection reset by peer")
	c := New(failingStream{cause}, Config{})

	_, err := c.ExecuteCommand(context.Background(), "status")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, cause) {
		t.Fatalf("expected transport error wrapping cause, got %v", err)
	}
}

func TestSequenceIDsAdvancePerPacket(t *testing.T) {
	m := newMockStream(t,
		protocol.NewPacket(10, protocol.TypeAuthResponse, ""),
		protocol.NewPacket(11, protocol.TypeResponse, "a"),
		protocol.NewPacket(12, protocol.TypeResponse, "b"),
	)
	c := New(m, Config{DefaultSequenceID: 10})
	ctx := context.Background()

	if err := c.Authenticate(ctx, "pw"); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range []string{"a", "b"} {
		if _, err := c.ExecuteCommand(ctx, cmd); err != nil {
			t.Fatal(err)
		}
	}
	for i, req := range sentRequests(t, m) {
		if req.ID != int32(10+i) {
			t.Fatalf("request %d: id %d, want %d", i, req.ID, 10+i)
		}
	}
}

func TestSequenceWraparound(t *testing.T) {
	c := New(newMockStream(t), Config{DefaultSequenceID: 5})
	c.currentID = math.MaxInt32

	if id := c.nextID(); id != math.MaxInt32 {
		t.Fatalf("got %d, want MaxInt32", id)
	}
	if id := c.nextID(); id != 5 {
		t.Fatalf("after overflow: got %d, want 5", id)
	}
	if id := c.nextID(); id != 6 {
		t.Fatalf("got %d, want 6", id)
	}
}

func TestDefaults(t *testing.T) {
	c := New(newMockStream(t), Config{})
	if c.MaxPayloadSize() != 4086 {
		t.Fatalf("default max payload: got %d", c.MaxPayloadSize())
	}
	if c.MultiResponse() {
		t.Fatal("multi-response should default to off")
	}
	if id := c.nextID(); id != 0 {
		t.Fatalf("first id: got %d", id)
	}
}

func TestSendAndReceive(t *testing.T) {
	m := newMockStream(t, protocol.NewPacket(0, protocol.TypeResponse, "pong"))
	c := New(m, Config{})
	ctx := context.Background()

	if err := c.Send(ctx, protocol.UnknownType(42), "ping"); err != nil {
		t.Fatal(err)
	}
	out, err := c.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "pong" {
		t.Fatalf("unexpected output: %q", out)
	}
	reqs := sentRequests(t, m)
	if reqs[0].Type != protocol.UnknownType(42) {
		t.Fatalf("unexpected type: %v", reqs[0].Type)
	}
}

func TestReceivePacket(t *testing.T) {
	m := newMockStream(t, protocol.NewPacket(-1, protocol.TypeAuthResponse, ""))
	c := New(m, Config{})

	p, err := c.ReceivePacket(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsError() || p.Type != protocol.TypeAuthResponse {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestCancelledContextSkipsIO(t *testing.T) {
	m := newMockStream(t)
	c := New(m, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.ExecuteCommand(ctx, "status"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.out.Len() != 0 {
		t.Fatalf("expected no writes, got %d bytes", m.out.Len())
	}
}

// silentPeer reads requests from the server end of a pipe and never answers.
func silentPeer(t *testing.T, server net.Conn) {
	t.Helper()
	go func() {
		for {
			if _, err := protocol.ReadRequest(server); err != nil {
				return
			}
		}
	}()
}

func TestCancelUnblocksRead(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()
	silentPeer(t, serverEnd)

	c := New(clientEnd, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := c.ExecuteCommand(ctx, "status")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTransport) || !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancelled transport error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteCommand did not return after cancel")
	}
}

func TestDeadlineExpires(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()
	silentPeer(t, serverEnd)

	c := New(clientEnd, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Authenticate(ctx, "pw")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestDeadlineClearedBetweenCalls(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	go func() {
		for {
			req, err := protocol.ReadRequest(serverEnd)
			if err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
			reply := protocol.NewPacket(req.ID, protocol.TypeResponse, "echo "+req.Payload)
			if err := protocol.WritePacket(serverEnd, reply); err != nil {
				return
			}
		}
	}()

	c := New(clientEnd, Config{})
	short, cancel := context.WithTimeout(context.Background(), time.Second)
	if _, err := c.ExecuteCommand(short, "one"); err != nil {
		t.Fatal(err)
	}
	cancel()

	// The previous context is done; its deadline must not leak into this call.
	out, err := c.ExecuteCommand(context.Background(), "two")
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "echo two" {
		t.Fatalf("unexpected output: %q", out)
	}
}

type recordingObserver struct {
	sent, received []protocol.PacketType
	auths          []bool
	commands       int
	lastErr        error
}

func (r *recordingObserver) PacketSent(t protocol.PacketType, _ int) { r.sent = append(r.sent, t) }
func (r *recordingObserver) PacketReceived(t protocol.PacketType, _ int) {
	r.received = append(r.received, t)
}
func (r *recordingObserver) AuthCompleted(ok bool) { r.auths = append(r.auths, ok) }
func (r *recordingObserver) CommandCompleted(_ time.Duration, _ int, err error) {
	r.commands++
	r.lastErr = err
}

func TestObserverEvents(t *testing.T) {
	m := newMockStream(t,
		protocol.NewPacket(0, protocol.TypeResponse, ""),
		protocol.NewPacket(0, protocol.TypeAuthResponse, ""),
		protocol.NewPacket(1, protocol.TypeResponse, "ok"),
	)
	obs := &recordingObserver{}
	c := New(m, Config{Observer: obs})
	ctx := context.Background()

	if err := c.Authenticate(ctx, "pw"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecuteCommand(ctx, "status"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecuteCommand(ctx, string(make([]byte, 5000))); err == nil {
		t.Fatal("expected oversized command to fail")
	}

	if len(obs.sent) != 2 || obs.sent[0] != protocol.TypeAuth || obs.sent[1] != protocol.TypeExecCommand {
		t.Fatalf("sent: %v", obs.sent)
	}
	if len(obs.received) != 3 {
		t.Fatalf("received: %v", obs.received)
	}
	if len(obs.auths) != 1 || !obs.auths[0] {
		t.Fatalf("auths: %v", obs.auths)
	}
	if obs.commands != 2 || !errors.Is(obs.lastErr, ErrPayloadTooLarge) {
		t.Fatalf("commands=%d lastErr=%v", obs.commands, obs.lastErr)
	}
}
