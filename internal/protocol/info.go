package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Version is a firmware version in wire order: patch, minor, major.
// Sensors report versions least-significant byte first.
type Version [3]byte

// NewVersion builds a Version from major.minor.patch components.
func NewVersion(major, minor, patch uint8) Version {
	return Version{patch, minor, major}
}

// Major returns the major component.
func (v Version) Major() uint8 { return v[2] }

// Minor returns the minor component.
func (v Version) Minor() uint8 { return v[1] }

// Patch returns the patch component.
func (v Version) Patch() uint8 { return v[0] }

// String formats the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[2], v[1], v[0])
}

// Compare returns -1, 0 or 1 if v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	a := int(v[2])*10000 + int(v[1])*100 + int(v[0])
	b := int(o[2])*10000 + int(o[1])*100 + int(o[0])
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// IsZero reports whether the version is unset.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Info is the decoded info_v2 parameter block a sensor reports in response
// to a read_info command. The first 71 bytes (hardware id, firmware
// versions, model, boot control) are read-only; the rest are the writable
// sensor parameters.
//
// info_v2 payload layout (166 bytes):
//
//	[0:2]     sensor serial number   [97:101]  sensor IP
//	[2:32]    hardware id            [101:105] data destination IP
//	[32:35]   bootloader version     [105:109] subnet mask
//	[35:47]   firmware build date    [109:113] gateway
//	[47:56]   firmware build time    [113:115] data destination port
//	[56:60]   calibration id         [115:121] MAC address
//	[60:69]   fw0/fw1/fw2 versions   [121:126] sync mode + trigger delay
//	[69]      model id               [126:156] per-channel ill. delays
//	[70]      boot control           [156:160] sync trims + output delay
//	[71:73]   capture mode / row     [160:165] arbitration mode + timeout
//	[73:87]   shutter + limits       [165]     configuration lock
//	[87:92]   capture period / seq
//	[92:97]   data output + baud
type Info struct {
	SensorSN uint16
	HWID     [30]byte

	FWVersion Version // bootloader (fw0 carrier) version
	FWDate    [12]byte
	FWTime    [9]byte
	CalibID   uint32

	FW0Version Version
	FW1Version Version // application firmware, compared during updates
	FW2Version Version

	ModelID  uint8
	BootCtrl uint8 // 0 while in safe-boot mode

	CaptureMode     uint8
	CaptureRow      uint8
	CaptureShutter  [5]uint16
	CaptureLimit    [2]uint16
	CapturePeriodUS uint32
	CaptureSeq      uint8

	DataOutput uint8
	DataBaud   uint32

	SensorIP [4]byte
	DestIP   [4]byte
	Subnet   [4]byte
	Gateway  [4]byte
	DataPort uint16
	MACAddr  [6]byte

	Sync              uint8
	SyncTrigDelayUS   uint32
	SyncIllDelayUS    [15]uint16
	SyncTrigTrimUS    uint8
	SyncIllTrimUS     uint8
	SyncOutputDelayUS uint16

	Arb        uint8
	ArbTimeout uint32

	Locked bool
}

// DecodeInfo parses a 166-byte info_v2 payload.
func DecodeInfo(payload []byte) (Info, error) {
	if len(payload) != InfoPayloadSize {
		return Info{}, fmt.Errorf("invalid info payload length: %d (want %d)", len(payload), InfoPayloadSize)
	}

	var info Info
	info.SensorSN = binary.LittleEndian.Uint16(payload[0:2])
	copy(info.HWID[:], payload[2:32])
	copy(info.FWVersion[:], payload[32:35])
	copy(info.FWDate[:], payload[35:47])
	copy(info.FWTime[:], payload[47:56])
	info.CalibID = binary.LittleEndian.Uint32(payload[56:60])
	copy(info.FW0Version[:], payload[60:63])
	copy(info.FW1Version[:], payload[63:66])
	copy(info.FW2Version[:], payload[66:69])
	info.ModelID = payload[69]
	info.BootCtrl = payload[70]

	info.CaptureMode = payload[71]
	info.CaptureRow = payload[72]
	for i := range info.CaptureShutter {
		info.CaptureShutter[i] = binary.LittleEndian.Uint16(payload[73+i*2 : 75+i*2])
	}
	info.CaptureLimit[0] = binary.LittleEndian.Uint16(payload[83:85])
	info.CaptureLimit[1] = binary.LittleEndian.Uint16(payload[85:87])
	info.CapturePeriodUS = binary.LittleEndian.Uint32(payload[87:91])
	info.CaptureSeq = payload[91]

	info.DataOutput = payload[92]
	info.DataBaud = binary.LittleEndian.Uint32(payload[93:97])

	copy(info.SensorIP[:], payload[97:101])
	copy(info.DestIP[:], payload[101:105])
	copy(info.Subnet[:], payload[105:109])
	copy(info.Gateway[:], payload[109:113])
	info.DataPort = binary.LittleEndian.Uint16(payload[113:115])
	copy(info.MACAddr[:], payload[115:121])

	info.Sync = payload[121]
	info.SyncTrigDelayUS = binary.LittleEndian.Uint32(payload[122:126])
	for i := range info.SyncIllDelayUS {
		info.SyncIllDelayUS[i] = binary.LittleEndian.Uint16(payload[126+i*2 : 128+i*2])
	}
	info.SyncTrigTrimUS = payload[156]
	info.SyncIllTrimUS = payload[157]
	info.SyncOutputDelayUS = binary.LittleEndian.Uint16(payload[158:160])

	info.Arb = payload[160]
	info.ArbTimeout = binary.LittleEndian.Uint32(payload[161:165])

	info.Locked = payload[165] != 0

	return info, nil
}

// EncodeInfo builds a 166-byte info_v2 payload carrying the writable
// parameters. The read-only region (bytes 2 to 70) and the lock byte are
// written as zero; the sensor ignores them on receipt.
func EncodeInfo(info Info) []byte {
	payload := make([]byte, InfoPayloadSize)

	binary.LittleEndian.PutUint16(payload[0:2], info.SensorSN)

	payload[71] = info.CaptureMode
	payload[72] = info.CaptureRow
	for i, v := range info.CaptureShutter {
		binary.LittleEndian.PutUint16(payload[73+i*2:75+i*2], v)
	}
	binary.LittleEndian.PutUint16(payload[83:85], info.CaptureLimit[0])
	binary.LittleEndian.PutUint16(payload[85:87], info.CaptureLimit[1])
	binary.LittleEndian.PutUint32(payload[87:91], info.CapturePeriodUS)
	payload[91] = info.CaptureSeq

	payload[92] = info.DataOutput
	binary.LittleEndian.PutUint32(payload[93:97], info.DataBaud)

	copy(payload[97:101], info.SensorIP[:])
	copy(payload[101:105], info.DestIP[:])
	copy(payload[105:109], info.Subnet[:])
	copy(payload[109:113], info.Gateway[:])
	binary.LittleEndian.PutUint16(payload[113:115], info.DataPort)
	copy(payload[115:121], info.MACAddr[:])

	payload[121] = info.Sync
	binary.LittleEndian.PutUint32(payload[122:126], info.SyncTrigDelayUS)
	for i, v := range info.SyncIllDelayUS {
		binary.LittleEndian.PutUint16(payload[126+i*2:128+i*2], v)
	}
	payload[156] = info.SyncTrigTrimUS
	payload[157] = info.SyncIllTrimUS
	binary.LittleEndian.PutUint16(payload[158:160], info.SyncOutputDelayUS)

	payload[160] = info.Arb
	binary.LittleEndian.PutUint32(payload[161:165], info.ArbTimeout)

	return payload
}

// DestIPString formats the data destination IP.
func (i Info) DestIPString() string {
	return net.IP(i.DestIP[:]).String()
}

// SensorIPString formats the sensor's own IP.
func (i Info) SensorIPString() string {
	return net.IP(i.SensorIP[:]).String()
}

// MACString formats the MAC address in the sensor's notation.
func (i Info) MACString() string {
	m := i.MACAddr
	return fmt.Sprintf("%02x:%02x:%02x_%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Mode returns the capture mode as a user-facing label.
func (i Info) Mode() string {
	return fmt.Sprintf("MODE%d", i.CaptureMode)
}
