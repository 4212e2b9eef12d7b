package protocol

import (
	"encoding/binary"
	"fmt"
)

// BuildRetransmitAck serializes a CMD=605 retransmission-confirmation
// message (spec.md §4.7). This is its own framing, NOT wrapped by the
// 20-byte Header: [len u32 LE][cmd=605 u32 LE]["00000000" 8 bytes ASCII]
// [pkg_id u32 LE]...
func BuildRetransmitAck(pkgIDs []uint32) []byte {
	length := 4 + 8 + 4*len(pkgIDs)
	buf := make([]byte, 4+length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(CmdRetransmitAck))
	copy(buf[8:16], ForwardIDZero[:])
	for i, id := range pkgIDs {
		off := 16 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], id)
	}
	return buf
}

// ParseRetransmitAck is the inverse of BuildRetransmitAck, used by tests
// and by any component acting as the camera side of the wire for
// verification purposes.
func ParseRetransmitAck(data []byte) ([]uint32, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("protocol: retransmit ack too short: %d bytes", len(data))
	}
	declared := binary.LittleEndian.Uint32(data[0:4])
	if int(declared)+4 != len(data) {
		return nil, fmt.Errorf("protocol: retransmit ack length mismatch: declared %d, have %d", declared, len(data)-4)
	}
	cmd := binary.LittleEndian.Uint32(data[4:8])
	if cmd != uint32(CmdRetransmitAck) {
		return nil, fmt.Errorf("protocol: retransmit ack cmd mismatch: %d", cmd)
	}
	rest := data[16:]
	if len(rest)%4 != 0 {
		return nil, fmt.Errorf("protocol: retransmit ack payload not a multiple of 4 bytes")
	}
	ids := make([]uint32, 0, len(rest)/4)
	for i := 0; i < len(rest); i += 4 {
		ids = append(ids, binary.LittleEndian.Uint32(rest[i:i+4]))
	}
	return ids, nil
}
