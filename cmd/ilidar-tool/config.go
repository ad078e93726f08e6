package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hybo/ilidar-tool/internal/cfgfile"
	"github.com/hybo/ilidar-tool/internal/reconcile"
	"github.com/hybo/ilidar-tool/internal/ui"
)

var configNoReboot bool

func init() {
	configCmd.Flags().BoolVar(&configNoReboot, "no-reboot", false, "Store parameters without rebooting; they apply on the next power cycle")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(convertCmd)
}

var configCmd = &cobra.Command{
	Use:   "config <preset.json|dir> [targets...]",
	Short: "Apply parameter presets to sensors",
	Long: `Apply JSON parameter presets to live sensors. The first argument is a
preset file or a directory of preset files; the rest name the target
sensors (default: every sensor a preset matches).

Each preset carries a serial number and only the parameters it sets;
anything absent keeps the sensor's current value. Sensors whose stored
parameters already match are left alone, and locked sensors reject the
write until they are explicitly unlocked. Updated sensors are rebooted
so the new parameters take effect.`,
	Example: `  # Apply a directory of presets to whatever answers
  ilidar-tool config presets/

  # Apply one preset to one sensor, defer the reboot
  ilidar-tool config lidar-456.json 456 --no-reboot`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := cfgfile.Load(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("no presets found in %s", args[0])
		}

		f, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer f.Close()

		ids, err := resolveTargets(cmd, f, args[1:])
		if err != nil {
			return err
		}

		results := f.Configure(cmd.Context(), entries, ids, reconcile.Options{NoReboot: configNoReboot})
		return reportConfigResults(results)
	},
}

func reportConfigResults(results []reconcile.Result) error {
	t := ui.NewTable("CONFIG RESULTS", "SERIAL", "ACTION", "CHANGED", "DETAIL")
	var failed []string
	for _, r := range results {
		detail := r.Reason
		if detail == "" && r.Err != nil {
			detail = r.Err.Error()
		}
		t.AddRow(
			strconv.Itoa(int(r.Serial)),
			r.Action.String(),
			strings.Join(r.Changed, ","),
			detail,
		)
		if r.Action == reconcile.ActionFailed {
			failed = append(failed, strconv.Itoa(int(r.Serial)))
		}
	}
	ui.PrintTable(t)

	if len(failed) > 0 {
		return fmt.Errorf("config failed for sensors %s", strings.Join(failed, ", "))
	}
	return nil
}

var convertCmd = &cobra.Command{
	Use:   "convert <sheet.csv> <out.json>",
	Short: "Convert a parameter spreadsheet to JSON presets",
	Long: `Convert a CSV parameter sheet into a JSON preset file that
'ilidar-tool config' accepts.

Each data row describes one sensor; empty cells mean "keep the sensor's
current value". Rows that do not carry a supported version marker are
skipped, so the sheet can hold notes and headers alongside the data.`,
	Example: `  ilidar-tool convert fleet-params.csv fleet-params.json
  ilidar-tool config fleet-params.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := cfgfile.ConvertCSV(args[0], args[1])
		if err != nil {
			return err
		}

		var serials []string
		for _, e := range entries {
			serials = append(serials, strconv.Itoa(int(e.SensorSN)))
		}
		ui.PrintSuccess("Converted", map[string]string{
			"Sensors": strconv.Itoa(len(entries)),
			"Serials": strings.Join(serials, ", "),
			"Output":  args[1],
		})
		return nil
	},
}
