package protocol

// Header: [4B length][4B id][4B type], all int32 little-endian.
const HeaderSize = 12

// Every packet body ends with an empty string terminator (two NUL bytes).
const TerminatorSize = 2

// PacketOverhead is the part of Length not taken by the payload:
// 4 (id) + 4 (type) + 2 (terminator).
const PacketOverhead = 10

// MaxPacketSize is the conventional 4 KiB frame servers are built around.
const MaxPacketSize = 4096

// DefaultMaxPayloadSize leaves room for the id, type and terminator
// inside one MaxPacketSize frame.
const DefaultMaxPayloadSize = MaxPacketSize - PacketOverhead

// Wire type codes. Code 2 is shared by ExecCommand requests and
// AuthResponse replies.
const (
	codeResponse     int32 = 0
	codeExecOrAuthOK int32 = 2
	codeAuth         int32 = 3
)
