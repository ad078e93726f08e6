package protocol

import (
	"encoding/binary"
	"fmt"
)

// Op is a command opcode carried in the first two bytes of a MsgCommand
// payload.
type Op uint16

// Command opcodes.
const (
	OpMeasure      Op = 0x0100 // resume measurement mode
	OpPause        Op = 0x0101 // enter pause mode
	OpReboot       Op = 0x0102 // reboot the sensor
	OpStore        Op = 0x0103 // persist staged parameters to flash
	OpSafeBoot     Op = 0x0104 // reboot into the bootloader (safe boot)
	OpResetFactory Op = 0x0200 // restore factory parameter defaults
	OpReadInfo     Op = 0x0300 // request an info packet
	OpRedirect     Op = 0x0400 // redirect data destination to the commander
	OpLock         Op = 0x0500 // lock the configuration locker
	OpUnlock       Op = 0x0501 // unlock the configuration locker
	OpFlashStart   Op = 0x0600 // erase flash and enter flashing mode
	OpFlashFinish  Op = 0x06FF // commit the transferred firmware
)

// String returns the opcode's command name.
func (op Op) String() string {
	switch op {
	case OpMeasure:
		return "measure"
	case OpPause:
		return "pause"
	case OpReboot:
		return "reboot"
	case OpStore:
		return "store"
	case OpSafeBoot:
		return "safe_boot"
	case OpResetFactory:
		return "reset"
	case OpReadInfo:
		return "read_info"
	case OpRedirect:
		return "redirect"
	case OpLock:
		return "lock"
	case OpUnlock:
		return "unlock"
	case OpFlashStart:
		return "flash_start"
	case OpFlashFinish:
		return "flash_finish"
	default:
		return fmt.Sprintf("op(0x%04x)", uint16(op))
	}
}

// Invalidates reports whether a successful command makes any cached identity
// for the target stale. Reboot, redirect and reset change the sensor's
// address, mode or parameters, so the caller must re-resolve before issuing
// a dependent follow-up.
func (op Op) Invalidates() bool {
	switch op {
	case OpReboot, OpSafeBoot, OpRedirect, OpResetFactory:
		return true
	}
	return false
}

// BuildCommand constructs a MsgCommand packet.
//
// Command payload:
//
//	[0:2] opcode        (little-endian uint16)
//	[2:4] serial number (little-endian uint16, 0 for broadcast)
//
// A zero serial number addresses whichever sensor receives the datagram;
// discovery broadcasts use it because serials are not yet known.
func BuildCommand(op Op, serial uint16) Packet {
	payload := make([]byte, CommandPayloadSize)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(op))
	binary.LittleEndian.PutUint16(payload[2:4], serial)
	return Packet{MsgID: MsgCommand, Payload: payload}
}

// ParseCommand decodes a MsgCommand payload. Used by tests and the fake
// sensor; the tool itself only builds commands.
func ParseCommand(p Packet) (Op, uint16, error) {
	if p.MsgID != MsgCommand {
		return 0, 0, fmt.Errorf("not a command packet: %s", MsgIDName(p.MsgID))
	}
	if len(p.Payload) != CommandPayloadSize {
		return 0, 0, fmt.Errorf("invalid command payload length: %d", len(p.Payload))
	}
	op := Op(binary.LittleEndian.Uint16(p.Payload[0:2]))
	serial := binary.LittleEndian.Uint16(p.Payload[2:4])
	return op, serial, nil
}
