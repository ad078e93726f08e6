package reconcile

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/hybo/ilidar-tool/internal/protocol"
)

// IP4 is an IPv4 address in a configuration entry. Preset files written
// by older tools carry addresses as 4-element arrays; hand-written files
// may use dotted strings. Both decode.
type IP4 [4]byte

func (ip IP4) String() string {
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]).String()
}

func (ip IP4) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]byte(ip))
}

func (ip *IP4) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed := net.ParseIP(s)
		if parsed == nil || parsed.To4() == nil {
			return fmt.Errorf("reconcile: %q is not an IPv4 address", s)
		}
		copy(ip[:], parsed.To4())
		return nil
	}
	var arr [4]byte
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*ip = arr
	return nil
}

// MAC is a hardware address in a configuration entry, accepted as a
// 6-element array or a colon-separated string.
type MAC [6]byte

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

func (m MAC) MarshalJSON() ([]byte, error) {
	return json.Marshal([6]byte(m))
}

func (m *MAC) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		hw, err := net.ParseMAC(s)
		if err != nil || len(hw) != 6 {
			return fmt.Errorf("reconcile: %q is not a MAC address", s)
		}
		copy(m[:], hw)
		return nil
	}
	var arr [6]byte
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*m = arr
	return nil
}

// Entry is one sensor's desired parameters, keyed by serial. Every
// parameter is optional: a field left out of the file (or set to the
// empty string, as converted spreadsheets do) keeps whatever the sensor
// currently stores.
type Entry struct {
	SensorSN uint16 `json:"sensor_sn"`

	CaptureMode     *uint8      `json:"capture_mode,omitempty"`
	CaptureRow      *uint8      `json:"capture_row,omitempty"`
	CaptureShutter  *[5]uint16  `json:"capture_shutter,omitempty"`
	CaptureLimit    *[2]uint16  `json:"capture_limit,omitempty"`
	CapturePeriodUS *uint32     `json:"capture_period_us,omitempty"`
	CaptureSeq      *uint8      `json:"capture_seq,omitempty"`
	DataOutput      *uint8      `json:"data_output,omitempty"`
	DataBaud        *uint32     `json:"data_baud,omitempty"`
	SensorIP        *IP4        `json:"data_sensor_ip,omitempty"`
	DestIP          *IP4        `json:"data_dest_ip,omitempty"`
	Subnet          *IP4        `json:"data_subnet,omitempty"`
	Gateway         *IP4        `json:"data_gateway,omitempty"`
	DataPort        *uint16     `json:"data_port,omitempty"`
	MACAddr         *MAC        `json:"data_mac_addr,omitempty"`
	Sync            *uint8      `json:"sync,omitempty"`
	SyncTrigDelayUS *uint32     `json:"sync_trig_delay_us,omitempty"`
	SyncIllDelayUS  *[15]uint16 `json:"sync_ill_delay_us,omitempty"`
	SyncTrigTrimUS  *uint8      `json:"sync_trig_trim_us,omitempty"`
	SyncIllTrimUS   *uint8      `json:"sync_ill_trim_us,omitempty"`
	SyncOutputDelay *uint16     `json:"sync_output_delay_us,omitempty"`
	Arb             *uint8      `json:"arb,omitempty"`
	ArbTimeout      *uint32     `json:"arb_timeout,omitempty"`
}

// UnmarshalJSON strips empty-string placeholders before decoding, so
// entries produced by the spreadsheet converter (which writes "" for
// keep-as-is cells) parse the same as entries that omit the key.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if string(val) == `""` || string(val) == "null" {
			delete(raw, key)
		}
	}
	cleaned, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	type alias Entry
	var a alias
	if err := json.Unmarshal(cleaned, &a); err != nil {
		return err
	}
	*e = Entry(a)
	return nil
}

// Snapshot captures every writable parameter of current as an entry.
// Read-only values (hardware id, firmware versions, model, boot control,
// lock state) have no entry fields and are dropped, so a snapshot can be
// edited and fed straight back through Apply.
func Snapshot(current protocol.Info) Entry {
	shutter := current.CaptureShutter
	limit := current.CaptureLimit
	sensorIP := IP4(current.SensorIP)
	destIP := IP4(current.DestIP)
	subnet := IP4(current.Subnet)
	gateway := IP4(current.Gateway)
	mac := MAC(current.MACAddr)
	illDelay := current.SyncIllDelayUS

	return Entry{
		SensorSN:        current.SensorSN,
		CaptureMode:     &current.CaptureMode,
		CaptureRow:      &current.CaptureRow,
		CaptureShutter:  &shutter,
		CaptureLimit:    &limit,
		CapturePeriodUS: &current.CapturePeriodUS,
		CaptureSeq:      &current.CaptureSeq,
		DataOutput:      &current.DataOutput,
		DataBaud:        &current.DataBaud,
		SensorIP:        &sensorIP,
		DestIP:          &destIP,
		Subnet:          &subnet,
		Gateway:         &gateway,
		DataPort:        &current.DataPort,
		MACAddr:         &mac,
		Sync:            &current.Sync,
		SyncTrigDelayUS: &current.SyncTrigDelayUS,
		SyncIllDelayUS:  &illDelay,
		SyncTrigTrimUS:  &current.SyncTrigTrimUS,
		SyncIllTrimUS:   &current.SyncIllTrimUS,
		SyncOutputDelay: &current.SyncOutputDelayUS,
		Arb:             &current.Arb,
		ArbTimeout:      &current.ArbTimeout,
	}
}

// Merge applies the entry's present fields over current and returns the
// merged parameters with the JSON names of every field that actually
// changed. An empty changed list means the sensor already matches the
// entry and nothing needs writing.
func Merge(e Entry, current protocol.Info) (protocol.Info, []string) {
	merged := current
	var changed []string
	set := func(name string, apply func() bool) {
		if apply() {
			changed = append(changed, name)
		}
	}

	if e.CaptureMode != nil {
		set("capture_mode", func() bool {
			if merged.CaptureMode == *e.CaptureMode {
				return false
			}
			merged.CaptureMode = *e.CaptureMode
			return true
		})
	}
	if e.CaptureRow != nil {
		set("capture_row", func() bool {
			if merged.CaptureRow == *e.CaptureRow {
				return false
			}
			merged.CaptureRow = *e.CaptureRow
			return true
		})
	}
	if e.CaptureShutter != nil {
		set("capture_shutter", func() bool {
			if merged.CaptureShutter == *e.CaptureShutter {
				return false
			}
			merged.CaptureShutter = *e.CaptureShutter
			return true
		})
	}
	if e.CaptureLimit != nil {
		set("capture_limit", func() bool {
			if merged.CaptureLimit == *e.CaptureLimit {
				return false
			}
			merged.CaptureLimit = *e.CaptureLimit
			return true
		})
	}
	if e.CapturePeriodUS != nil {
		set("capture_period_us", func() bool {
			if merged.CapturePeriodUS == *e.CapturePeriodUS {
				return false
			}
			merged.CapturePeriodUS = *e.CapturePeriodUS
			return true
		})
	}
	if e.CaptureSeq != nil {
		set("capture_seq", func() bool {
			if merged.CaptureSeq == *e.CaptureSeq {
				return false
			}
			merged.CaptureSeq = *e.CaptureSeq
			return true
		})
	}
	if e.DataOutput != nil {
		set("data_output", func() bool {
			if merged.DataOutput == *e.DataOutput {
				return false
			}
			merged.DataOutput = *e.DataOutput
			return true
		})
	}
	if e.DataBaud != nil {
		set("data_baud", func() bool {
			if merged.DataBaud == *e.DataBaud {
				return false
			}
			merged.DataBaud = *e.DataBaud
			return true
		})
	}
	if e.SensorIP != nil {
		set("data_sensor_ip", func() bool {
			if merged.SensorIP == [4]byte(*e.SensorIP) {
				return false
			}
			merged.SensorIP = [4]byte(*e.SensorIP)
			return true
		})
	}
	if e.DestIP != nil {
		set("data_dest_ip", func() bool {
			if merged.DestIP == [4]byte(*e.DestIP) {
				return false
			}
			merged.DestIP = [4]byte(*e.DestIP)
			return true
		})
	}
	if e.Subnet != nil {
		set("data_subnet", func() bool {
			if merged.Subnet == [4]byte(*e.Subnet) {
				return false
			}
			merged.Subnet = [4]byte(*e.Subnet)
			return true
		})
	}
	if e.Gateway != nil {
		set("data_gateway", func() bool {
			if merged.Gateway == [4]byte(*e.Gateway) {
				return false
			}
			merged.Gateway = [4]byte(*e.Gateway)
			return true
		})
	}
	if e.DataPort != nil {
		set("data_port", func() bool {
			if merged.DataPort == *e.DataPort {
				return false
			}
			merged.DataPort = *e.DataPort
			return true
		})
	}
	if e.MACAddr != nil {
		set("data_mac_addr", func() bool {
			if merged.MACAddr == [6]byte(*e.MACAddr) {
				return false
			}
			merged.MACAddr = [6]byte(*e.MACAddr)
			return true
		})
	}
	if e.Sync != nil {
		set("sync", func() bool {
			if merged.Sync == *e.Sync {
				return false
			}
			merged.Sync = *e.Sync
			return true
		})
	}
	if e.SyncTrigDelayUS != nil {
		set("sync_trig_delay_us", func() bool {
			if merged.SyncTrigDelayUS == *e.SyncTrigDelayUS {
				return false
			}
			merged.SyncTrigDelayUS = *e.SyncTrigDelayUS
			return true
		})
	}
	if e.SyncIllDelayUS != nil {
		set("sync_ill_delay_us", func() bool {
			if merged.SyncIllDelayUS == *e.SyncIllDelayUS {
				return false
			}
			merged.SyncIllDelayUS = *e.SyncIllDelayUS
			return true
		})
	}
	if e.SyncTrigTrimUS != nil {
		set("sync_trig_trim_us", func() bool {
			if merged.SyncTrigTrimUS == *e.SyncTrigTrimUS {
				return false
			}
			merged.SyncTrigTrimUS = *e.SyncTrigTrimUS
			return true
		})
	}
	if e.SyncIllTrimUS != nil {
		set("sync_ill_trim_us", func() bool {
			if merged.SyncIllTrimUS == *e.SyncIllTrimUS {
				return false
			}
			merged.SyncIllTrimUS = *e.SyncIllTrimUS
			return true
		})
	}
	if e.SyncOutputDelay != nil {
		set("sync_output_delay_us", func() bool {
			if merged.SyncOutputDelayUS == *e.SyncOutputDelay {
				return false
			}
			merged.SyncOutputDelayUS = *e.SyncOutputDelay
			return true
		})
	}
	if e.Arb != nil {
		set("arb", func() bool {
			if merged.Arb == *e.Arb {
				return false
			}
			merged.Arb = *e.Arb
			return true
		})
	}
	if e.ArbTimeout != nil {
		set("arb_timeout", func() bool {
			if merged.ArbTimeout == *e.ArbTimeout {
				return false
			}
			merged.ArbTimeout = *e.ArbTimeout
			return true
		})
	}

	return merged, changed
}
