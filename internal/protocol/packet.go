package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

var (
	ErrMalformedPayload = errors.New("protocol: payload is not valid UTF-8")
	ErrInvalidLength    = errors.New("protocol: length smaller than packet overhead")
	// ErrOutOfSync accompanies ErrInvalidLength when the declared length is
	// shorter than the id and type fields already read. The frame boundary
	// is lost and the stream cannot be decoded further.
	ErrOutOfSync = errors.New("protocol: stream out of sync")
)

// Kind is the role a packet plays in the exchange.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuth
	KindAuthResponse
	KindExecCommand
	KindResponse
)

// PacketType pairs a Kind with its wire code. Values are comparable, so
// AuthResponse and ExecCommand stay distinct even though both use code 2.
type PacketType struct {
	kind Kind
	code int32
}

var (
	TypeAuth         = PacketType{kind: KindAuth, code: codeAuth}
	TypeAuthResponse = PacketType{kind: KindAuthResponse, code: codeExecOrAuthOK}
	TypeExecCommand  = PacketType{kind: KindExecCommand, code: codeExecOrAuthOK}
	TypeResponse     = PacketType{kind: KindResponse, code: codeResponse}
)

// UnknownType preserves a wire code this package has no name for.
func UnknownType(code int32) PacketType {
	return PacketType{kind: KindUnknown, code: code}
}

// ParseType maps a wire code to a PacketType. response selects how the
// shared code 2 is read: AuthResponse on replies, ExecCommand on requests.
func ParseType(code int32, response bool) PacketType {
	switch code {
	case codeAuth:
		return TypeAuth
	case codeExecOrAuthOK:
		if response {
			return TypeAuthResponse
		}
		return TypeExecCommand
	case codeResponse:
		return TypeResponse
	default:
		return UnknownType(code)
	}
}

// Kind returns the role of the packet type.
func (t PacketType) Kind() Kind { return t.kind }

// Code returns the value written on the wire.
func (t PacketType) Code() int32 { return t.code }

func (t PacketType) String() string {
	switch t.kind {
	case KindAuth:
		return "Auth"
	case KindAuthResponse:
		return "AuthResponse"
	case KindExecCommand:
		return "ExecCommand"
	case KindResponse:
		return "Response"
	default:
		return fmt.Sprintf("Unknown(%d)", t.code)
	}
}

// Packet is one framed RCON message.
type Packet struct {
	ID      int32
	Length  int32
	Type    PacketType
	Payload string
}

// NewPacket builds a packet with Length derived from the payload.
func NewPacket(id int32, typ PacketType, payload string) Packet {
	return Packet{
		ID:      id,
		Length:  int32(PacketOverhead + len(payload)),
		Type:    typ,
		Payload: payload,
	}
}

// IsError reports whether the server flagged this packet as a failure.
// Servers answer a rejected password with id -1.
func (p Packet) IsError() bool {
	return p.ID < 0
}

type flusher interface {
	Flush() error
}

// --- Encoding ---

// WritePacket writes p to w as a single frame and flushes w if it buffers.
//
// Length is recomputed from the payload so the header always matches the
// bytes that follow it. Payload size is not checked here.
func WritePacket(w io.Writer, p Packet) error {
	length := PacketOverhead + len(p.Payload)

	buf := make([]byte, HeaderSize+len(p.Payload)+TerminatorSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(length)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type.Code()))
	copy(buf[HeaderSize:], p.Payload)
	// Trailing two bytes are already zero.

	if err := writeFull(w, buf); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// --- Decoding ---

// ReadPacket reads one reply packet from r. Code 2 decodes as AuthResponse.
//
// The declared length is trusted; a short stream surfaces as
// io.ErrUnexpectedEOF (or io.EOF before the first header byte).
func ReadPacket(r io.Reader) (Packet, error) {
	return readPacket(r, true)
}

// ReadRequest reads one request packet from r. Code 2 decodes as ExecCommand.
func ReadRequest(r io.Reader) (Packet, error) {
	return readPacket(r, false)
}

func readPacket(r io.Reader, response bool) (Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}

	length := int32(binary.LittleEndian.Uint32(header[0:4]))
	id := int32(binary.LittleEndian.Uint32(header[4:8]))
	code := int32(binary.LittleEndian.Uint32(header[8:12]))

	if length < PacketOverhead {
		return Packet{}, discardShortFrame(r, length)
	}

	// Payload and terminator are read together; the terminator bytes are
	// dropped without inspection.
	body := make([]byte, int(length)-PacketOverhead+TerminatorSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	payload := body[:len(body)-TerminatorSize]

	if !utf8.Valid(payload) {
		return Packet{}, ErrMalformedPayload
	}

	return Packet{
		ID:      id,
		Length:  length,
		Type:    ParseType(code, response),
		Payload: string(payload),
	}, nil
}

// discardShortFrame consumes what is left of a frame whose length covers the
// id and type fields but not the terminator, keeping r aligned on the next
// frame. Shorter lengths leave no way to find the next frame.
func discardShortFrame(r io.Reader, length int32) error {
	rest := int64(length) - (HeaderSize - 4)
	if rest < 0 {
		return fmt.Errorf("%w: %d: %w", ErrInvalidLength, length, ErrOutOfSync)
	}
	if _, err := io.CopyN(io.Discard, r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return fmt.Errorf("%w: %d", ErrInvalidLength, length)
}
