package protocol

import (
	"encoding/binary"
	"fmt"
)

// Ack status codes carried in the first bitmap byte of command acks.
const (
	// AckAccepted indicates the command was accepted
	AckAccepted = 0x00

	// AckRejectedLocked indicates the command was refused because the
	// sensor's configuration locker is engaged
	AckRejectedLocked = 0x01
)

// Ack is a sensor acknowledgment.
//
// Ack payload (34 bytes):
//
//	[0:32]  bitmap / status area
//	[32:34] echoed opcode (little-endian uint16)
//
// For flash-phase acks the bitmap is a 256-bit receipt map, one bit per
// firmware chunk (bit set = chunk received). For all other commands only
// byte 0 is meaningful and carries an Ack status code.
type Ack struct {
	// Op is the opcode this ack responds to
	Op Op

	// Bitmap is the 32-byte status area
	Bitmap [32]byte
}

// ParseAck decodes a MsgAck payload.
func ParseAck(p Packet) (Ack, error) {
	if p.MsgID != MsgAck {
		return Ack{}, fmt.Errorf("not an ack packet: %s", MsgIDName(p.MsgID))
	}
	if len(p.Payload) != AckPayloadSize {
		return Ack{}, fmt.Errorf("invalid ack payload length: %d", len(p.Payload))
	}

	var a Ack
	copy(a.Bitmap[:], p.Payload[0:32])
	a.Op = Op(binary.LittleEndian.Uint16(p.Payload[32:34]))
	return a, nil
}

// BuildAck constructs a MsgAck packet. Sensors are the only producers of
// acks on a live network; this exists for the in-process fake sensor used
// in tests.
func BuildAck(op Op, bitmap [32]byte) Packet {
	payload := make([]byte, AckPayloadSize)
	copy(payload[0:32], bitmap[:])
	binary.LittleEndian.PutUint16(payload[32:34], uint16(op))
	return Packet{MsgID: MsgAck, Payload: payload}
}

// Status returns the command ack status code.
func (a Ack) Status() byte {
	return a.Bitmap[0]
}

// Rejected reports whether the sensor refused the command.
func (a Ack) Rejected() bool {
	return a.Bitmap[0] != AckAccepted
}

// RejectReason names the refusal for reporting.
func (a Ack) RejectReason() string {
	switch a.Bitmap[0] {
	case AckAccepted:
		return ""
	case AckRejectedLocked:
		return "locked"
	default:
		return fmt.Sprintf("refused(0x%02x)", a.Bitmap[0])
	}
}

// ChunkAcked reports whether firmware chunk i is marked received in the
// bitmap.
func (a Ack) ChunkAcked(i int) bool {
	if i < 0 || i >= 256 {
		return false
	}
	return a.Bitmap[i/8]>>(i%8)&0x01 != 0
}

// BitmapClear reports whether the whole bitmap is zero. flash_start is
// acknowledged with a cleared bitmap once the flash has been erased.
func (a Ack) BitmapClear() bool {
	for _, b := range a.Bitmap {
		if b != 0 {
			return false
		}
	}
	return true
}

// SetChunkAcked marks chunk i as received. Test helper for the fake sensor.
func (a *Ack) SetChunkAcked(i int) {
	if i < 0 || i >= 256 {
		return
	}
	a.Bitmap[i/8] |= 1 << (i % 8)
}
