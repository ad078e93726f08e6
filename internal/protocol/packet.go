package protocol

import (
	"encoding/binary"
	"fmt"
)

// Default ports for the iTFS management protocol.
const (
	// DefaultDataPort is the host port sensors stream data and replies to
	DefaultDataPort = 7256

	// HostConfigPort is the host-side port command packets are sent from
	HostConfigPort = 7257

	// SensorConfigPort is the sensor-side port that accepts command packets
	SensorConfigPort = 4906
)

// Frame constants.
const (
	// SyncByte0 and SyncByte1 frame every packet (header and tail)
	SyncByte0 = 0xA5
	SyncByte1 = 0x5A

	// HeaderSize is sync (2) + message id (2) + payload length (2)
	HeaderSize = 6

	// TailSize is the trailing sync pair
	TailSize = 2

	// MaxPacketSize bounds a single datagram (flash blocks are the largest)
	MaxPacketSize = 2000
)

// Message ids carried in the frame header.
const (
	MsgStatus     uint16 = 0x0010 // periodic short status
	MsgStatusFull uint16 = 0x0011 // periodic full status
	MsgInfo       uint16 = 0x0021 // info_v2 parameter block
	MsgCommand    uint16 = 0x0030 // host command
	MsgAck        uint16 = 0x0040 // sensor acknowledgment
	MsgFlashBlock uint16 = 0x0100 // firmware chunk
)

// Fixed payload sizes per message id.
const (
	StatusPayloadSize     = 28
	StatusFullPayloadSize = 312
	InfoPayloadSize       = 166
	CommandPayloadSize    = 4
	AckPayloadSize        = 34
	FlashBlockPayloadSize = 1062
)

// Packet is a single framed protocol message.
type Packet struct {
	// MsgID identifies the payload format (MsgInfo, MsgCommand, ...)
	MsgID uint16

	// Payload is the message body, excluding frame header and tail
	Payload []byte
}

// Marshal builds the complete datagram for the packet.
func (p Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload)+TailSize)
	buf[0] = SyncByte0
	buf[1] = SyncByte1
	binary.LittleEndian.PutUint16(buf[2:4], p.MsgID)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	buf[len(buf)-2] = SyncByte0
	buf[len(buf)-1] = SyncByte1
	return buf
}

// ParsePacket validates the frame of a received datagram and returns the
// contained packet. The returned payload aliases data.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < HeaderSize+TailSize {
		return Packet{}, fmt.Errorf("packet too small: %d bytes", len(data))
	}
	if data[0] != SyncByte0 || data[1] != SyncByte1 {
		return Packet{}, fmt.Errorf("invalid sync bytes: 0x%02x 0x%02x", data[0], data[1])
	}

	msgID := binary.LittleEndian.Uint16(data[2:4])
	payloadLen := int(binary.LittleEndian.Uint16(data[4:6]))

	if len(data) != HeaderSize+payloadLen+TailSize {
		return Packet{}, fmt.Errorf("length mismatch: %d byte payload declared in %d byte datagram", payloadLen, len(data))
	}
	if data[len(data)-2] != SyncByte0 || data[len(data)-1] != SyncByte1 {
		return Packet{}, fmt.Errorf("invalid tail bytes: 0x%02x 0x%02x", data[len(data)-2], data[len(data)-1])
	}

	return Packet{
		MsgID:   msgID,
		Payload: data[HeaderSize : HeaderSize+payloadLen],
	}, nil
}

// String returns a debug representation of the packet.
func (p Packet) String() string {
	return fmt.Sprintf("Packet{MsgID=0x%04x, Len=%d}", p.MsgID, len(p.Payload))
}

// MsgIDName returns a human-readable message id name for logging.
func MsgIDName(id uint16) string {
	switch id {
	case MsgStatus:
		return "status"
	case MsgStatusFull:
		return "status_full"
	case MsgInfo:
		return "info"
	case MsgCommand:
		return "cmd"
	case MsgAck:
		return "ack"
	case MsgFlashBlock:
		return "flash_block"
	default:
		return fmt.Sprintf("unknown(0x%04x)", id)
	}
}
