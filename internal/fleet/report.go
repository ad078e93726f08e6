package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hybo/ilidar-tool/internal/cfgfile"
	"github.com/hybo/ilidar-tool/internal/reconcile"
	"github.com/hybo/ilidar-tool/internal/resolve"
)

// reportEntry is one sensor in an info report: its name plus every
// writable parameter in the preset schema so the file can be edited and
// applied back as-is. ilidar_version is the schema version, not the
// sensor's firmware version: a report from a sensor running newer
// firmware must still load as a preset.
type reportEntry struct {
	Name    string `json:"ilidar_name"`
	Version string `json:"ilidar_version"`
	reconcile.Entry
}

// WriteInfoReport dumps the writable parameters of every resolved sensor
// into dir as a timestamped JSON preset, sorted by serial, and returns
// the written path.
func WriteInfoReport(dir string, ids []resolve.Identity) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("fleet: nothing to report")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fleet: %w", err)
	}

	entries := make([]reportEntry, len(ids))
	for i, id := range ids {
		entries[i] = reportEntry{
			Name:    fmt.Sprintf("ilidar-%d", id.Serial),
			Version: cfgfile.SchemaVersion,
			Entry:   reconcile.Snapshot(id.Info),
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SensorSN < entries[j].SensorSN
	})

	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, time.Now().Format("info_20060102_150405.json"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("fleet: write %s: %w", path, err)
	}
	return path, nil
}
