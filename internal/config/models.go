package config

import "time"

// Registry is the entire user configuration file: client-side sensor
// metadata plus application preferences.
type Registry struct {
	Version     int                `yaml:"version"`
	Sensors     map[string]*Sensor `yaml:"sensors,omitempty"` // keyed by sensor serial number
	Preferences *Preferences       `yaml:"preferences,omitempty"`
}

// Sensor is user-defined metadata for a single sensor. The sensor itself
// stores none of this.
type Sensor struct {
	Nickname     string    `yaml:"nickname,omitempty"`      // user-friendly name
	LastIP       string    `yaml:"last_ip,omitempty"`       // last known IP address
	LastSeen     time.Time `yaml:"last_seen,omitempty"`     // last discovery time
	LastFirmware string    `yaml:"last_firmware,omitempty"` // firmware version at last discovery
}

// Preferences are application-wide user preferences, overridable per
// invocation by CLI flags.
type Preferences struct {
	DiscoverWindow int    `yaml:"discover_window"`        // discovery window in seconds
	DataPort       int    `yaml:"data_port"`              // local UDP port sensors send to
	FirmwareDir    string `yaml:"firmware_dir,omitempty"` // default firmware image directory
	SenderIP       string `yaml:"sender_ip,omitempty"`    // default destination-IP discovery filter
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version: 1,
		Sensors: make(map[string]*Sensor),
		Preferences: &Preferences{
			DiscoverWindow: 2,
			DataPort:       7256,
		},
	}
}

// GetSensor retrieves sensor metadata by serial number. Returns nil if
// the sensor is not in the registry.
func (r *Registry) GetSensor(serial string) *Sensor {
	return r.Sensors[serial]
}

// EnsureSensor returns the entry for serial, creating it if needed.
func (r *Registry) EnsureSensor(serial string) *Sensor {
	if r.Sensors == nil {
		r.Sensors = make(map[string]*Sensor)
	}
	if sensor, exists := r.Sensors[serial]; exists {
		return sensor
	}
	sensor := &Sensor{}
	r.Sensors[serial] = sensor
	return sensor
}

// RecordSighting updates the last-seen address, time and firmware
// version for a sensor after discovery.
func (r *Registry) RecordSighting(serial, ip, firmware string) {
	sensor := r.EnsureSensor(serial)
	sensor.LastSeen = time.Now()
	sensor.LastIP = ip
	sensor.LastFirmware = firmware
}

// SetNickname sets a user-friendly nickname for a sensor.
func (r *Registry) SetNickname(serial, nickname string) {
	r.EnsureSensor(serial).Nickname = nickname
}
