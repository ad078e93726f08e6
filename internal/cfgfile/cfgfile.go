// Package cfgfile reads sensor parameter presets: JSON files in the
// established preset format, directories of them, and the spreadsheet
// (CSV) export some operators maintain fleet configuration in.
package cfgfile

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/reconcile"
)

// supportedVersion is the parameter schema generation this tool
// understands. Load accepts any patch level within it.
const supportedVersion = "1.5"

// SchemaVersion is the full schema version written into preset files
// and reports, so anything this tool writes it can also load.
const SchemaVersion = supportedVersion + ".0"

// Load reads entries from a preset file, or from every .json file in a
// directory. Two entries carrying the same serial is an error: the
// reconciler could not decide which one the sensor should get.
func Load(path string) ([]reconcile.Entry, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cfgfile: %w", err)
	}

	var files []string
	if st.IsDir() {
		dirEntries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("cfgfile: read directory %s: %w", path, err)
		}
		for _, e := range dirEntries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("cfgfile: no .json files in %s", path)
		}
	} else {
		files = []string{path}
	}

	var entries []reconcile.Entry
	seen := make(map[uint16]string)
	for _, file := range files {
		loaded, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		for _, entry := range loaded {
			if prev, dup := seen[entry.SensorSN]; dup {
				return nil, fmt.Errorf("cfgfile: serial %d appears in both %s and %s",
					entry.SensorSN, prev, file)
			}
			seen[entry.SensorSN] = file
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// loadFile reads one preset file, which holds either a single entry
// object or a list of them. Entries declaring an unsupported schema
// version are skipped, matching how older tools treat files they do not
// understand.
func loadFile(path string) ([]reconcile.Entry, error) {
	log := logging.GetLogger().Named("cfgfile")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cfgfile: %w", err)
	}

	var raws []json.RawMessage
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("cfgfile: parse %s: %w", path, err)
		}
	} else {
		raws = []json.RawMessage{data}
	}

	var entries []reconcile.Entry
	for i, raw := range raws {
		var header struct {
			Version string `json:"ilidar_version"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, fmt.Errorf("cfgfile: parse %s entry %d: %w", path, i, err)
		}
		if header.Version != "" && !strings.HasPrefix(header.Version, supportedVersion) {
			log.Warn("skipping entry with unsupported schema version",
				zap.String("file", path),
				zap.Int("entry", i),
				zap.String("version", header.Version))
			continue
		}

		var entry reconcile.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("cfgfile: parse %s entry %d: %w", path, i, err)
		}
		if entry.SensorSN == 0 {
			return nil, fmt.Errorf("cfgfile: %s entry %d has no sensor_sn", path, i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// csvColumns is the fixed row width of the spreadsheet export.
const csvColumns = 44

// ConvertCSV converts a spreadsheet export into the preset JSON format
// and writes it to jsonPath. Rows whose schema version column does not
// start with a supported version are skipped, as are header rows. The
// converted entries are returned for reporting.
func ConvertCSV(csvPath, jsonPath string) ([]reconcile.Entry, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("cfgfile: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("cfgfile: parse %s: %w", csvPath, err)
	}

	log := logging.GetLogger().Named("cfgfile")
	var entries []reconcile.Entry
	seen := make(map[uint16]int)
	for i, row := range rows {
		if len(row) < 2 || !strings.HasPrefix(row[1], supportedVersion) {
			continue // header or unsupported row
		}
		if len(row) != csvColumns {
			return nil, fmt.Errorf("cfgfile: %s row %d has %d columns, want %d",
				csvPath, i+1, len(row), csvColumns)
		}
		entry, err := rowToEntry(row)
		if err != nil {
			return nil, fmt.Errorf("cfgfile: %s row %d: %w", csvPath, i+1, err)
		}
		if prev, dup := seen[entry.SensorSN]; dup {
			return nil, fmt.Errorf("cfgfile: %s rows %d and %d both carry serial %d",
				csvPath, prev, i+1, entry.SensorSN)
		}
		seen[entry.SensorSN] = i + 1
		entries = append(entries, entry)
		log.Debug("converted row", zap.Uint16("serial", entry.SensorSN))
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("cfgfile: %s holds no convertible rows", csvPath)
	}

	out, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(jsonPath, out, 0o644); err != nil {
		return nil, fmt.Errorf("cfgfile: write %s: %w", jsonPath, err)
	}
	return entries, nil
}

// rowToEntry maps one 44-column row onto an entry. Empty cells stay
// absent; a partially filled array group is an error, since the array is
// written to the sensor as a whole.
func rowToEntry(row []string) (reconcile.Entry, error) {
	var e reconcile.Entry

	sn, err := strconv.ParseUint(row[2], 10, 16)
	if err != nil {
		return e, fmt.Errorf("invalid sensor_sn %q", row[2])
	}
	e.SensorSN = uint16(sn)

	if e.CaptureMode, err = cellU8(row[3], "capture_mode"); err != nil {
		return e, err
	}
	if e.CaptureRow, err = cellU8(row[4], "capture_row"); err != nil {
		return e, err
	}
	shutter, err := cellU16Group(row[5:10], "capture_shutter")
	if err != nil {
		return e, err
	}
	if shutter != nil {
		e.CaptureShutter = (*[5]uint16)(shutter)
	}
	limit, err := cellU16Group(row[10:12], "capture_limit")
	if err != nil {
		return e, err
	}
	if limit != nil {
		e.CaptureLimit = (*[2]uint16)(limit)
	}
	if e.CapturePeriodUS, err = cellU32(row[12], "capture_period_us"); err != nil {
		return e, err
	}
	if e.CaptureSeq, err = cellU8(row[13], "capture_seq"); err != nil {
		return e, err
	}
	if e.DataOutput, err = cellU8(row[14], "data_output"); err != nil {
		return e, err
	}
	if e.DataBaud, err = cellU32(row[15], "data_baud"); err != nil {
		return e, err
	}
	if e.SensorIP, err = cellIP(row[16], "data_sensor_ip"); err != nil {
		return e, err
	}
	if e.DestIP, err = cellIP(row[17], "data_dest_ip"); err != nil {
		return e, err
	}
	if e.Subnet, err = cellIP(row[18], "data_subnet"); err != nil {
		return e, err
	}
	if e.Gateway, err = cellIP(row[19], "data_gateway"); err != nil {
		return e, err
	}
	if e.DataPort, err = cellU16(row[20], "data_port"); err != nil {
		return e, err
	}
	if e.MACAddr, err = cellMAC(row[21]); err != nil {
		return e, err
	}
	if e.Sync, err = cellU8(row[22], "sync"); err != nil {
		return e, err
	}
	if e.SyncTrigDelayUS, err = cellU32(row[23], "sync_trig_delay_us"); err != nil {
		return e, err
	}
	illDelay, err := cellU16Group(row[24:39], "sync_ill_delay_us")
	if err != nil {
		return e, err
	}
	if illDelay != nil {
		e.SyncIllDelayUS = (*[15]uint16)(illDelay)
	}
	if e.SyncTrigTrimUS, err = cellU8(row[39], "sync_trig_trim_us"); err != nil {
		return e, err
	}
	if e.SyncIllTrimUS, err = cellU8(row[40], "sync_ill_trim_us"); err != nil {
		return e, err
	}
	if e.SyncOutputDelay, err = cellU16(row[41], "sync_output_delay_us"); err != nil {
		return e, err
	}
	if e.Arb, err = cellU8(row[42], "arb"); err != nil {
		return e, err
	}
	if e.ArbTimeout, err = cellU32(row[43], "arb_timeout"); err != nil {
		return e, err
	}
	return e, nil
}

func cellU8(cell, name string) (*uint8, error) {
	if cell == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(cell, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, cell)
	}
	out := uint8(v)
	return &out, nil
}

func cellU16(cell, name string) (*uint16, error) {
	if cell == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(cell, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, cell)
	}
	out := uint16(v)
	return &out, nil
}

func cellU32(cell, name string) (*uint32, error) {
	if cell == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(cell, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, cell)
	}
	out := uint32(v)
	return &out, nil
}

// cellU16Group parses one array-valued parameter spread across cells.
// All cells empty means keep; anything else requires the whole group.
func cellU16Group(cells []string, name string) ([]uint16, error) {
	empty := 0
	for _, c := range cells {
		if c == "" {
			empty++
		}
	}
	if empty == len(cells) {
		return nil, nil
	}
	if empty > 0 {
		return nil, fmt.Errorf("%s is partially filled; fill all %d cells or none", name, len(cells))
	}
	out := make([]uint16, len(cells))
	for i, c := range cells {
		v, err := strconv.ParseUint(c, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", name, c)
		}
		out[i] = uint16(v)
	}
	return out, nil
}

func cellIP(cell, name string) (*reconcile.IP4, error) {
	if cell == "" {
		return nil, nil
	}
	var ip reconcile.IP4
	if err := json.Unmarshal([]byte(strconv.Quote(cell)), &ip); err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, cell)
	}
	return &ip, nil
}

func cellMAC(cell string) (*reconcile.MAC, error) {
	if cell == "" {
		return nil, nil
	}
	// Spreadsheets sometimes carry underscores instead of colons.
	normalized := strings.ReplaceAll(cell, "_", ":")
	var mac reconcile.MAC
	if err := json.Unmarshal([]byte(strconv.Quote(normalized)), &mac); err != nil {
		return nil, fmt.Errorf("invalid data_mac_addr %q", cell)
	}
	return &mac, nil
}
