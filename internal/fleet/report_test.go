package fleet

import (
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/hybo/ilidar-tool/internal/cfgfile"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/resolve"
)

func reportIdentity(serial uint16) resolve.Identity {
	info := protocol.Info{
		SensorSN:    serial,
		FW1Version:  protocol.NewVersion(1, 5, 3),
		CaptureMode: 3,
		CaptureRow:  40,
		DataPort:    7256,
		DestIP:      [4]byte{192, 168, 5, 2},
	}
	return resolve.Identity{
		Serial: serial,
		Addr:   &net.UDPAddr{IP: net.IPv4(192, 168, 5, byte(serial)), Port: protocol.SensorConfigPort},
		Info:   info,
	}
}

func TestWriteInfoReport(t *testing.T) {
	dir := t.TempDir()
	ids := []resolve.Identity{reportIdentity(20), reportIdentity(10)}

	path, err := WriteInfoReport(dir, ids)
	if err != nil {
		t.Fatalf("WriteInfoReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("report is not a JSON list: %v", err)
	}
	if len(raw) != 2 {
		t.Fatalf("got %d entries, want 2", len(raw))
	}

	// Sorted by serial regardless of input order.
	var first struct {
		SensorSN uint16 `json:"sensor_sn"`
		Version  string `json:"ilidar_version"`
	}
	entry, _ := json.Marshal(raw[0])
	if err := json.Unmarshal(entry, &first); err != nil {
		t.Fatal(err)
	}
	if first.SensorSN != 10 {
		t.Errorf("first serial = %d, want 10", first.SensorSN)
	}
	if first.Version != cfgfile.SchemaVersion {
		t.Errorf("ilidar_version = %q, want %q", first.Version, cfgfile.SchemaVersion)
	}

	// Read-only sensor state never lands in the report.
	for _, key := range []string{"sensor_hw_id", "fw_version", "model_id", "boot_ctrl", "lock"} {
		if _, ok := raw[0][key]; ok {
			t.Errorf("report carries read-only key %q", key)
		}
	}

	// The report is a valid preset: it must load back through the
	// configuration path unchanged.
	entries, err := cfgfile.Load(path)
	if err != nil {
		t.Fatalf("Load(report): %v", err)
	}
	if len(entries) != 2 || entries[0].SensorSN != 10 || entries[1].SensorSN != 20 {
		t.Fatalf("round trip entries = %+v", entries)
	}
	if entries[0].CaptureMode == nil || *entries[0].CaptureMode != 3 {
		t.Errorf("CaptureMode lost in round trip")
	}
}

func TestWriteInfoReportLoadsBackFromNewerFirmware(t *testing.T) {
	id := reportIdentity(30)
	id.Info.FW1Version = protocol.NewVersion(2, 0, 1)

	path, err := WriteInfoReport(t.TempDir(), []resolve.Identity{id})
	if err != nil {
		t.Fatalf("WriteInfoReport: %v", err)
	}

	// The schema version goes into the report, not the sensor's
	// firmware version, so the preset stays loadable.
	entries, err := cfgfile.Load(path)
	if err != nil {
		t.Fatalf("Load(report): %v", err)
	}
	if len(entries) != 1 || entries[0].SensorSN != 30 {
		t.Fatalf("round trip entries = %+v", entries)
	}
}

func TestWriteInfoReportRejectsEmpty(t *testing.T) {
	if _, err := WriteInfoReport(t.TempDir(), nil); err == nil {
		t.Fatal("WriteInfoReport accepted an empty snapshot")
	}
}
