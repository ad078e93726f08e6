package main

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/hybo/ilidar-tool/internal/config"
	"github.com/hybo/ilidar-tool/internal/firmware"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/ui"
)

var (
	updateBinDir    string
	updateOverwrite bool
	updateYes       bool
)

func init() {
	updateCmd.Flags().StringVar(&updateBinDir, "bin-dir", "", "Directory holding firmware .bin images (default: saved firmware_dir preference, else bin/)")
	updateCmd.Flags().BoolVar(&updateOverwrite, "overwrite", false, "Flash even when the sensor already runs the image version or newer")
	updateCmd.Flags().BoolVar(&updateYes, "yes", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(updateCmd)
}

var updateCmd = &cobra.Command{
	Use:   "update [targets...]",
	Short: "Update sensor firmware",
	Long: `Update sensor firmware from a directory of .bin images.

Image files are named ilidar_<type>_<maj>_<min>_<patch>_<sn>_<hwid>.bin;
each one is matched to the live sensor carrying its serial number and
hardware id. Matched sensors are put into safe boot, flashed chunk by
chunk, rebooted and verified, all in parallel. Sensors already running
the image version are skipped unless --overwrite is set.

Every wait in the update has a deadline, so a sensor that goes silent
mid-update fails its own session without holding up the rest.`,
	Example: `  # Update every sensor an image matches
  ilidar-tool update --bin-dir firmware/

  # Re-flash one sensor that already runs this version
  ilidar-tool update 456 --bin-dir firmware/ --overwrite --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		binDir := updateBinDir
		if binDir == "" {
			if reg, err := config.LoadRegistry(); err == nil && reg.Preferences != nil && reg.Preferences.FirmwareDir != "" {
				binDir = reg.Preferences.FirmwareDir
			} else {
				binDir = "bin"
			}
		}

		images, err := firmware.LoadDir(binDir)
		if err != nil {
			return err
		}
		if len(images) == 0 {
			return fmt.Errorf("no firmware images found in %s", binDir)
		}

		f, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer f.Close()

		ids, err := resolveTargets(cmd, f, args)
		if err != nil {
			return err
		}

		if !updateYes && !ui.FirmwareUpdateConfirmation(len(ids)) {
			return nil
		}

		stepNames := make([]string, len(images))
		stepOf := make(map[uint16]int, len(images))
		for i, img := range images {
			stepNames[i] = fmt.Sprintf("Sensor %d (%s %s)", img.Serial, img.Type, img.Version)
			stepOf[img.Serial] = i + 1
		}

		runner := ui.NewRunner(ui.RunnerConfig{
			Title:   "FIRMWARE UPDATE",
			Command: "ilidar-tool update",
			Params: map[string]string{
				"Images":  strconv.Itoa(len(images)),
				"Sensors": strconv.Itoa(len(ids)),
				"Source":  binDir,
			},
			TotalSteps: len(images),
			StepNames:  stepNames,
		})

		var results []firmware.Result
		_, err = runner.RunWithResult(cmd.Context(), func(onStep ui.StepCallback) (map[string]string, error) {
			// Sessions run concurrently and all report through one
			// progress display.
			var mu sync.Mutex
			progress := func(serial uint16, state firmware.State, chunksAcked int) {
				mu.Lock()
				defer mu.Unlock()
				step, ok := stepOf[serial]
				if !ok {
					return
				}
				switch state {
				case firmware.StateDone, firmware.StateFailed:
					// Final status comes from the results pass below,
					// with the session's reason attached.
				case firmware.StateTransferring:
					if chunksAcked%32 == 0 {
						onStep(step, "", ui.StepRunning,
							fmt.Sprintf("chunk %d/%d", chunksAcked, protocol.FlashChunkCount))
					}
				default:
					onStep(step, "", ui.StepRunning, state.String())
				}
			}

			results = f.Update(cmd.Context(), images, ids, firmware.Options{
				Overwrite: updateOverwrite,
				Progress:  progress,
			})

			var failed int
			for i, r := range results {
				switch r.State {
				case firmware.StateFailed:
					failed++
					onStep(i+1, "", ui.StepFailed, r.Reason)
					continue
				case firmware.StateSkipped:
					onStep(i+1, "", ui.StepSkipped, r.Reason)
					continue
				}
				note := r.Reason
				if note == "" {
					note = fmt.Sprintf("%s -> %s", r.From, r.To)
				}
				onStep(i+1, "", ui.StepComplete, note)
			}

			details := map[string]string{"Sensors": strconv.Itoa(len(results))}
			if failed > 0 {
				return details, fmt.Errorf("%d of %d updates failed", failed, len(results))
			}
			return details, nil
		})

		printUpdateResults(results)
		return err
	},
}

func printUpdateResults(results []firmware.Result) {
	t := ui.NewTable("UPDATE RESULTS", "SERIAL", "FROM", "TO", "STATE", "DETAIL")
	for _, r := range results {
		t.AddRow(
			strconv.Itoa(int(r.Serial)),
			r.From.String(),
			r.To.String(),
			r.State.String(),
			r.Reason,
		)
	}
	ui.PrintTable(t)
}
