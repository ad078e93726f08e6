package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/config"
	"github.com/hybo/ilidar-tool/internal/dispatch"
	"github.com/hybo/ilidar-tool/internal/fleet"
	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/resolve"
	"github.com/hybo/ilidar-tool/internal/ui"
)

// Network and dispatch flags, shared by every sensor command
var (
	hostIP      string
	dataPort    int
	broadcastIP string
	senderIP    string
	senderPort  int
	sender      string
	window      time.Duration
	cmdTimeout  time.Duration
	cmdRetries  int
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&hostIP, "host-ip", "", "Local IP to bind (default: all interfaces)")
	pf.IntVar(&dataPort, "data-port", protocol.DefaultDataPort, "Local UDP port sensors send data to")
	pf.StringVar(&broadcastIP, "broadcast-ip", "", "Broadcast address for discovery (default 255.255.255.255)")
	pf.StringVar(&senderIP, "sender-ip", "", "Only accept sensors configured to send to this destination IP")
	pf.IntVar(&senderPort, "sender-port", 0, "Only accept sensors configured to send to this destination port")
	pf.StringVar(&sender, "sender", "", "Shorthand for --sender-ip and --sender-port as ip:port")
	pf.DurationVar(&window, "window", 0, "Discovery listen window (default 2s)")
	pf.DurationVar(&cmdTimeout, "timeout", 0, "Per-attempt command response timeout (default 500ms)")
	pf.IntVar(&cmdRetries, "retries", 0, "Command send attempts per sensor (default 3)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(opCommand("measure", "Resume measurement mode", protocol.OpMeasure))
	rootCmd.AddCommand(opCommand("pause", "Enter pause mode", protocol.OpPause))
	rootCmd.AddCommand(opCommand("reboot", "Reboot sensors", protocol.OpReboot))
	rootCmd.AddCommand(opCommand("lock", "Lock sensor configuration", protocol.OpLock))
	rootCmd.AddCommand(opCommand("unlock", "Unlock sensor configuration", protocol.OpUnlock))
	rootCmd.AddCommand(opCommand("redirect", "Redirect sensor data output to this host", protocol.OpRedirect))
	rootCmd.AddCommand(resetCmd)
}

// connectFleet builds a connected session from the flags, falling back
// to saved preferences for anything the user did not set.
func connectFleet(cmd *cobra.Command) (*fleet.Fleet, error) {
	opts := fleet.Options{
		HostIP:      hostIP,
		DataPort:    dataPort,
		BroadcastIP: broadcastIP,
		Window:      window,
		Timeout:     cmdTimeout,
		Retries:     cmdRetries,
		Filter:      resolve.Filter{DestIP: senderIP, DestPort: senderPort},
	}

	if sender != "" {
		host, portStr, err := net.SplitHostPort(sender)
		if err != nil {
			return nil, fmt.Errorf("invalid --sender %q: want ip:port", sender)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid --sender port %q", portStr)
		}
		opts.Filter = resolve.Filter{DestIP: host, DestPort: port}
	}

	if reg, err := config.LoadRegistry(); err == nil && reg.Preferences != nil {
		prefs := reg.Preferences
		if !cmd.Flags().Changed("window") && prefs.DiscoverWindow > 0 {
			opts.Window = time.Duration(prefs.DiscoverWindow) * time.Second
		}
		if !cmd.Flags().Changed("data-port") && prefs.DataPort > 0 {
			opts.DataPort = prefs.DataPort
		}
		if sender == "" && !cmd.Flags().Changed("sender-ip") && prefs.SenderIP != "" {
			opts.Filter.DestIP = prefs.SenderIP
		}
	}

	return fleet.Connect(cmd.Context(), opts)
}

// recordSightings remembers discovered sensors in the user registry so
// later sessions know their last addresses. Failures only warn: the
// registry is a convenience, not part of the operation.
func recordSightings(ids []resolve.Identity) {
	log := logging.GetLogger().Named("registry")
	reg, err := config.LoadRegistry()
	if err != nil {
		log.Warn("cannot load registry", zap.Error(err))
		return
	}
	for _, id := range ids {
		reg.RecordSighting(strconv.Itoa(int(id.Serial)), id.Addr.IP.String(), id.Info.FW1Version.String())
	}
	if err := reg.Save(); err != nil {
		log.Warn("cannot save registry", zap.Error(err))
	}
}

// resolveTargets expands the command's target arguments. Unresolved
// targets are reported but do not abort the rest; zero matches do.
func resolveTargets(cmd *cobra.Command, f *fleet.Fleet, args []string) ([]resolve.Identity, error) {
	res, err := f.Resolve(cmd.Context(), args)
	if err != nil {
		return nil, err
	}
	if len(res.Unresolved) > 0 {
		var missing []string
		for _, t := range res.Unresolved {
			missing = append(missing, t.String())
		}
		ui.PrintWarning("Some targets did not answer", map[string]string{
			"Unresolved": strings.Join(missing, ", "),
		})
	}
	if len(res.Matched) == 0 {
		return nil, fmt.Errorf("no sensors matched the given targets")
	}
	recordSightings(res.Matched)
	return res.Matched, nil
}

// sensorTable builds the standard discovery listing.
func sensorTable(title string, ids []resolve.Identity) *ui.Table {
	t := ui.NewTable(title, "SERIAL", "IP", "FIRMWARE", "MODE", "LOCKED")
	for _, id := range ids {
		locked := ""
		if id.Info.Locked {
			locked = "yes"
		}
		t.AddRow(
			strconv.Itoa(int(id.Serial)),
			id.Addr.IP.String(),
			id.Info.FW1Version.String(),
			id.Info.Mode(),
			locked,
		)
	}
	return t
}

// opCommand builds one of the simple broadcast-style commands: resolve
// targets, fan the opcode out, report per-sensor outcomes.
func opCommand(use, short string, op protocol.Op) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [targets...]",
		Short: short,
		Long: short + `.

Targets are sensor serial numbers, IP addresses, or "all" (the default).
The command is sent to every matched sensor in parallel; each sensor
gets its own retry budget, so one silent sensor never stalls the rest.`,
		Example: "  # All sensors on the network\n" +
			"  ilidar-tool " + use + "\n\n" +
			"  # Specific sensors by serial and address\n" +
			"  ilidar-tool " + use + " 456 192.168.5.201",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := connectFleet(cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			ids, err := resolveTargets(cmd, f, args)
			if err != nil {
				return err
			}

			results := f.Command(cmd.Context(), op, ids)
			return reportDispatchResults(use, results)
		},
	}
}

// reportDispatchResults prints a per-sensor result table and folds any
// failure into a non-zero exit status.
func reportDispatchResults(name string, results []dispatch.Result) error {
	t := ui.NewTable(strings.ToUpper(name)+" RESULTS", "SERIAL", "IP", "STATUS", "DETAIL")
	var failed []string
	for _, r := range results {
		detail := r.Reason
		if detail == "" && r.Err != nil {
			detail = r.Err.Error()
		}
		t.AddRow(
			strconv.Itoa(int(r.Target.Serial)),
			r.Target.Addr.IP.String(),
			r.Status.String(),
			detail,
		)
		if r.Status != dispatch.StatusSuccess {
			failed = append(failed, strconv.Itoa(int(r.Target.Serial)))
		}
	}
	ui.PrintTable(t)

	if len(failed) > 0 {
		return fmt.Errorf("%s failed for sensors %s", name, strings.Join(failed, ", "))
	}
	ui.PrintSuccess(strings.ToUpper(name[:1])+name[1:]+" complete", map[string]string{
		"Sensors": strconv.Itoa(len(results)),
	})
	return nil
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover sensors on the network",
	Long: `Discover sensors by broadcasting a read_info request and collecting
every answer within the listen window.

Sensors answer with their serial number, address, firmware version and
current mode. Use --sender-ip / --sender-port to restrict the scan to
sensors configured to send their data to this host.`,
	Example: `  # Default 2 second scan
  ilidar-tool scan

  # Longer window, only sensors pointed at this host
  ilidar-tool scan --window 5s --sender-ip 192.168.5.2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer f.Close()

		ids, err := f.Scan(cmd.Context())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			ui.PrintWarning("No sensors found", map[string]string{
				"Hint": "check power, subnet, and the --sender-ip filter",
			})
			return nil
		}

		recordSightings(ids)
		ui.PrintTable(sensorTable(fmt.Sprintf("DISCOVERED SENSORS (%d)", len(ids)), ids))
		return nil
	},
}

var infoOutDir string

func init() {
	infoCmd.Flags().StringVar(&infoOutDir, "out", "read", "Directory for the JSON parameter report")
}

var infoCmd = &cobra.Command{
	Use:   "info [targets...]",
	Short: "Read and store sensor parameters",
	Long: `Read the full parameter block of each target sensor, list the fleet,
and write the writable parameters to a timestamped JSON preset.

The written file is a valid input for 'ilidar-tool config': edit it and
apply it back to change sensor parameters.`,
	Example: `  # Snapshot every sensor into read/
  ilidar-tool info

  # One sensor, custom report directory
  ilidar-tool info 456 --out /srv/lidar-presets`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer f.Close()

		ids, err := resolveTargets(cmd, f, args)
		if err != nil {
			return err
		}

		ui.PrintTable(sensorTable(fmt.Sprintf("SENSORS (%d)", len(ids)), ids))

		path, err := fleet.WriteInfoReport(infoOutDir, ids)
		if err != nil {
			return err
		}
		ui.PrintSuccess("Parameters stored", map[string]string{
			"Sensors": strconv.Itoa(len(ids)),
			"Report":  path,
		})
		return nil
	},
}

var resetYes bool

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Skip the confirmation prompt")
}

var resetCmd = &cobra.Command{
	Use:   "reset [targets...]",
	Short: "Restore factory parameter defaults",
	Long: `Restore the factory parameter defaults of each target sensor.

All stored capture, network, sync and arbitration settings are erased.
Sensors may come back on a different address afterwards.`,
	Example: `  # Reset one sensor, with confirmation prompt
  ilidar-tool reset 456

  # Scripted reset
  ilidar-tool reset 456 --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := connectFleet(cmd)
		if err != nil {
			return err
		}
		defer f.Close()

		ids, err := resolveTargets(cmd, f, args)
		if err != nil {
			return err
		}

		if !resetYes && !ui.FactoryResetConfirmation(len(ids)) {
			return nil
		}

		results := f.Command(cmd.Context(), protocol.OpResetFactory, ids)
		return reportDispatchResults("reset", results)
	},
}
