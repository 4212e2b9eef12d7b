// Package protocol implements the A9 V720 camera wire format: the fixed
// 20-byte envelope shared by TCP and UDP, and the handful of command
// codes the core cares about (JSON control, video/audio fragments,
// keepalives, and the CMD=605 retransmission-confirmation frame, which
// is not header-wrapped at all).
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed envelope length in bytes, little-endian throughout.
const HeaderSize = 20

// Command codes (spec.md §4.1's command catalogue).
const (
	CmdControl       uint16 = 0   // JSON control message
	CmdVideo         uint16 = 1   // video fragment (UDP)
	CmdAudio1        uint16 = 4   // audio fragment
	CmdAudio2        uint16 = 6   // audio fragment
	CmdAudio3        uint16 = 7   // audio fragment
	CmdKeepaliveA    uint16 = 99  // keepalive
	CmdKeepaliveB    uint16 = 100 // keepalive
	CmdRetransmitAck uint16 = 605 // CMD=605, own framing, see BuildRetransmitAck
)

// Fragment terminator values carried in MsgFlag for CmdVideo.
const (
	FragStart  uint8 = 250
	FragMiddle uint8 = 251
	FragEnd    uint8 = 252
)

// ForwardIDZero is the all-zero-ASCII forward id the server fills in
// outbound frames: 8 ASCII '0' bytes, not 8 zero bytes.
var ForwardIDZero = [8]byte{'0', '0', '0', '0', '0', '0', '0', '0'}

// Header is the 20-byte frame envelope.
//
//	offset size field
//	0      4    Length     payload byte count following the header
//	4      2    Cmd        command/frame-type
//	6      1    MsgFlag    fragment terminator (video) or 0/255 (control)
//	7      1    DealFlag   reserved, always 0 on emitted frames
//	8      8    ForwardID  ASCII 8-byte target id ("00000000" from server)
//	16     4    PkgID      monotonic-per-sender packet id
type Header struct {
	Length    uint32
	Cmd       uint16
	MsgFlag   uint8
	DealFlag  uint8
	ForwardID [8]byte
	PkgID     uint32
}

// IsAudio reports whether cmd identifies an (unreassembled) audio fragment.
func IsAudio(cmd uint16) bool {
	return cmd == CmdAudio1 || cmd == CmdAudio2 || cmd == CmdAudio3
}

// IsKeepalive reports whether cmd identifies a keepalive frame.
func IsKeepalive(cmd uint16) bool {
	return cmd == CmdKeepaliveA || cmd == CmdKeepaliveB
}

// Marshal serializes the header to its 20-byte wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint16(buf[4:6], h.Cmd)
	buf[6] = h.MsgFlag
	buf[7] = h.DealFlag
	copy(buf[8:16], h.ForwardID[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.PkgID)
	return buf
}

// UnmarshalHeader parses the leading 20 bytes of data as a Header.
// Returns an error if data is shorter than HeaderSize.
func UnmarshalHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("protocol: short header: got %d bytes, need %d", len(data), HeaderSize)
	}
	var h Header
	h.Length = binary.LittleEndian.Uint32(data[0:4])
	h.Cmd = binary.LittleEndian.Uint16(data[4:6])
	h.MsgFlag = data[6]
	h.DealFlag = data[7]
	copy(h.ForwardID[:], data[8:16])
	h.PkgID = binary.LittleEndian.Uint32(data[16:20])
	return h, nil
}

// Frame is a decoded envelope plus its payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// IsEmptyKeepalive reports whether this is the bare 20-byte-no-payload
// keepalive shape: any 20-byte message with a zero-length declared payload
// and no trailing bytes.
func (f Frame) IsEmptyKeepalive() bool {
	return f.Header.Length == 0 && len(f.Payload) == 0
}

// Encode serializes a header+payload pair into one wire-ready frame.
// The header's Length field is set from len(payload) regardless of what
// the caller passed in h.Length.
func Encode(h Header, payload []byte) []byte {
	h.Length = uint32(len(payload))
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, h.Marshal()...)
	out = append(out, payload...)
	return out
}

// Decode parses a full wire message (header immediately followed by its
// payload, with no padding) into a Frame. A message shorter than
// HeaderSize is an error. A message of exactly HeaderSize (zero payload)
// decodes to the keepalive shape.
func Decode(data []byte) (Frame, error) {
	h, err := UnmarshalHeader(data)
	if err != nil {
		return Frame{}, err
	}
	rest := data[HeaderSize:]
	// Length is advisory for framing purposes here: callers that read from a
	// stream use Length to know how many more bytes to pull off the wire
	// before calling Decode; once the full message is in hand, the payload is
	// simply everything after the header.
	if len(rest) < int(h.Length) {
		return Frame{}, fmt.Errorf("protocol: truncated payload: header says %d, have %d", h.Length, len(rest))
	}
	return Frame{Header: h, Payload: rest}, nil
}

// StripLeadingNUL removes leading NUL bytes observed in the wild before a
// JSON control body. The codec MUST tolerate 1..8 leading NULs and still
// parse the same message.
func StripLeadingNUL(payload []byte) []byte {
	return bytes.TrimLeft(payload, "\x00")
}

// KeepaliveReply is the fixed 20-byte TCP keepalive response (spec.md §4.2):
// bytes [4:8] = 0x64,0x00,0x00,0x00 (cmd=100, little-endian, as a 4-byte
// read since msg_flag/deal_flag land in the same run of zero bytes),
// bytes [8:16] = ASCII "00000000", everything else zero.
func KeepaliveReply() []byte {
	buf := make([]byte, HeaderSize)
	buf[4] = 0x64
	copy(buf[8:16], ForwardIDZero[:])
	return buf
}
