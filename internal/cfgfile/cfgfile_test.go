package cfgfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSingleObjectFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "one.json", `{
		"sensor_sn": 42,
		"capture_mode": 3,
		"data_dest_ip": "192.168.5.2"
	}`)

	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.SensorSN != 42 {
		t.Errorf("SensorSN = %d, want 42", e.SensorSN)
	}
	if e.CaptureMode == nil || *e.CaptureMode != 3 {
		t.Errorf("CaptureMode = %v, want 3", e.CaptureMode)
	}
	if e.DestIP == nil || e.DestIP.String() != "192.168.5.2" {
		t.Errorf("DestIP = %v, want 192.168.5.2", e.DestIP)
	}
	if e.CaptureRow != nil {
		t.Errorf("CaptureRow = %v, want absent", *e.CaptureRow)
	}
}

func TestLoadListFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fleet.json", `[
		{"sensor_sn": 1, "capture_mode": 1},
		{"sensor_sn": 2, "capture_mode": 2}
	]`)

	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].SensorSN != 1 || entries[1].SensorSN != 2 {
		t.Errorf("serials = %d, %d", entries[0].SensorSN, entries[1].SensorSN)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"sensor_sn": 1}`)
	writeFile(t, dir, "b.json", `[{"sensor_sn": 2}, {"sensor_sn": 3}]`)
	writeFile(t, dir, "notes.txt", "ignore me")

	entries, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestLoadRejectsDuplicateSerials(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"sensor_sn": 7}`)
	writeFile(t, dir, "b.json", `{"sensor_sn": 7}`)

	_, err := Load(dir)
	if err == nil {
		t.Fatal("Load accepted duplicate serials")
	}
	if !strings.Contains(err.Error(), "serial 7") {
		t.Errorf("error %q does not name the serial", err)
	}
}

func TestLoadSkipsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mixed.json", `[
		{"ilidar_version": "1.4.0", "sensor_sn": 1},
		{"ilidar_version": "1.5.3", "sensor_sn": 2}
	]`)

	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].SensorSN != 2 {
		t.Fatalf("entries = %+v, want only serial 2", entries)
	}
}

func TestLoadRejectsMissingSerial(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.json", `{"capture_mode": 1}`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an entry with no sensor_sn")
	}
}

// fullRow builds a 44-column row with every cell filled for serial sn.
func fullRow(sn string) []string {
	row := make([]string, csvColumns)
	row[0] = "bench-unit"
	row[1] = "1.5.3"
	row[2] = sn
	row[3] = "3"   // capture_mode
	row[4] = "40"  // capture_row
	for i := 5; i < 10; i++ {
		row[i] = "400" // capture_shutter
	}
	row[10], row[11] = "100", "200" // capture_limit
	row[12] = "80000"               // capture_period_us
	row[13] = "1"                   // capture_seq
	row[14] = "1"                   // data_output
	row[15] = "115200"              // data_baud
	row[16] = "192.168.5.200"
	row[17] = "192.168.5.2"
	row[18] = "255.255.255.0"
	row[19] = "192.168.5.1"
	row[20] = "7256"
	row[21] = "00_1e_c0_aa_bb_cc"
	row[22] = "0"
	row[23] = "0"
	for i := 24; i < 39; i++ {
		row[i] = "0" // sync_ill_delay_us
	}
	row[39] = "0"
	row[40] = "0"
	row[41] = "0"
	row[42] = "0"
	row[43] = "8000000"
	return row
}

func writeCSV(t *testing.T, dir string, rows [][]string) string {
	t.Helper()
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, ","))
		b.WriteByte('\n')
	}
	return writeFile(t, dir, "fleet.csv", b.String())
}

func TestConvertCSV(t *testing.T) {
	dir := t.TempDir()
	header := make([]string, csvColumns)
	header[0], header[1], header[2] = "name", "version", "serial"
	csvPath := writeCSV(t, dir, [][]string{header, fullRow("456")})
	jsonPath := filepath.Join(dir, "fleet.json")

	entries, err := ConvertCSV(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("ConvertCSV: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.SensorSN != 456 {
		t.Errorf("SensorSN = %d, want 456", e.SensorSN)
	}
	if e.CaptureShutter == nil || e.CaptureShutter[0] != 400 {
		t.Errorf("CaptureShutter = %v", e.CaptureShutter)
	}
	if e.MACAddr == nil || e.MACAddr.String() != "00:1e:c0:aa:bb:cc" {
		t.Errorf("MACAddr = %v, want 00:1e:c0:aa:bb:cc", e.MACAddr)
	}
	if e.SensorIP == nil || e.SensorIP.String() != "192.168.5.200" {
		t.Errorf("SensorIP = %v", e.SensorIP)
	}

	// The written file must round-trip through the preset loader.
	loaded, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load(converted): %v", err)
	}
	if len(loaded) != 1 || loaded[0].SensorSN != 456 {
		t.Fatalf("round trip lost the entry: %+v", loaded)
	}
}

func TestConvertCSVKeepsEmptyCellsAbsent(t *testing.T) {
	dir := t.TempDir()
	row := fullRow("7")
	row[3] = ""  // capture_mode untouched
	row[21] = "" // mac untouched
	csvPath := writeCSV(t, dir, [][]string{row})
	jsonPath := filepath.Join(dir, "out.json")

	entries, err := ConvertCSV(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("ConvertCSV: %v", err)
	}
	e := entries[0]
	if e.CaptureMode != nil {
		t.Errorf("CaptureMode = %v, want absent", *e.CaptureMode)
	}
	if e.MACAddr != nil {
		t.Errorf("MACAddr = %v, want absent", e.MACAddr)
	}
	if e.CaptureRow == nil {
		t.Error("CaptureRow lost")
	}

	// Absent fields must stay absent in the JSON output too.
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatal(err)
	}
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw[0]["capture_mode"]; ok {
		t.Error("capture_mode written despite empty cell")
	}
}

func TestConvertCSVRejectsPartialArrayGroup(t *testing.T) {
	dir := t.TempDir()
	row := fullRow("7")
	row[6] = "" // one shutter cell missing
	csvPath := writeCSV(t, dir, [][]string{row})

	_, err := ConvertCSV(csvPath, filepath.Join(dir, "out.json"))
	if err == nil {
		t.Fatal("ConvertCSV accepted a partially filled capture_shutter")
	}
	if !strings.Contains(err.Error(), "capture_shutter") {
		t.Errorf("error %q does not name the group", err)
	}
}

func TestConvertCSVSkipsForeignRows(t *testing.T) {
	dir := t.TempDir()
	old := fullRow("1")
	old[1] = "1.4.9"
	csvPath := writeCSV(t, dir, [][]string{old, fullRow("2")})

	entries, err := ConvertCSV(csvPath, filepath.Join(dir, "out.json"))
	if err != nil {
		t.Fatalf("ConvertCSV: %v", err)
	}
	if len(entries) != 1 || entries[0].SensorSN != 2 {
		t.Fatalf("entries = %+v, want only serial 2", entries)
	}
}

func TestConvertCSVRejectsDuplicateSerials(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeCSV(t, dir, [][]string{fullRow("9"), fullRow("9")})

	if _, err := ConvertCSV(csvPath, filepath.Join(dir, "out.json")); err == nil {
		t.Fatal("ConvertCSV accepted duplicate serials")
	}
}
