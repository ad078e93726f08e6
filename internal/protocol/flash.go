package protocol

import (
	"encoding/binary"
	"fmt"
)

// Firmware transfer geometry. Images are padded to FlashChunkCount chunks of
// FlashChunkSize bytes, so a full transfer is always 256 KiB.
const (
	FlashChunkSize  = 1024
	FlashChunkCount = 256
)

// FlashBlock is one firmware chunk in transit.
//
// flash_block payload (1062 bytes):
//
//	[0:30]      hardware id of the target sensor
//	[30:32]     0x02 0x02 (flash bank selector)
//	[32]        chunk index
//	[33:36]     firmware version of the image
//	[36:1060]   chunk data (1024 bytes, 0xFF padded)
//	[1060:1062] CRC-16/CCITT over the chunk data (little-endian)
type FlashBlock struct {
	HWID    [30]byte
	Index   uint8
	Version Version
	Data    [FlashChunkSize]byte
	CRC     uint16
}

// BuildFlashBlock constructs a MsgFlashBlock packet for one chunk. chunk
// must be exactly FlashChunkSize bytes; the CRC is computed here.
func BuildFlashBlock(hwid [30]byte, index uint8, version Version, chunk []byte) (Packet, error) {
	if len(chunk) != FlashChunkSize {
		return Packet{}, fmt.Errorf("invalid chunk size: %d (want %d)", len(chunk), FlashChunkSize)
	}

	payload := make([]byte, FlashBlockPayloadSize)
	copy(payload[0:30], hwid[:])
	payload[30] = 0x02
	payload[31] = 0x02
	payload[32] = index
	copy(payload[33:36], version[:])
	copy(payload[36:1060], chunk)
	binary.LittleEndian.PutUint16(payload[1060:1062], CRC16(chunk))

	return Packet{MsgID: MsgFlashBlock, Payload: payload}, nil
}

// ParseFlashBlock decodes a MsgFlashBlock payload. Used by the fake sensor
// in tests.
func ParseFlashBlock(p Packet) (FlashBlock, error) {
	if p.MsgID != MsgFlashBlock {
		return FlashBlock{}, fmt.Errorf("not a flash block packet: %s", MsgIDName(p.MsgID))
	}
	if len(p.Payload) != FlashBlockPayloadSize {
		return FlashBlock{}, fmt.Errorf("invalid flash block payload length: %d", len(p.Payload))
	}

	var b FlashBlock
	copy(b.HWID[:], p.Payload[0:30])
	b.Index = p.Payload[32]
	copy(b.Version[:], p.Payload[33:36])
	copy(b.Data[:], p.Payload[36:1060])
	b.CRC = binary.LittleEndian.Uint16(p.Payload[1060:1062])
	return b, nil
}

// Verify reports whether the block's CRC matches its data.
func (b FlashBlock) Verify() bool {
	return CRC16(b.Data[:]) == b.CRC
}
