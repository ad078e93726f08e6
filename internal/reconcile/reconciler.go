// Package reconcile drives sensors toward the parameters a configuration
// file asks for: it diffs each entry against what the sensor reports,
// writes only what differs, and reboots the sensors it changed so the
// stored parameters take effect.
package reconcile

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/dispatch"
	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/resolve"
)

// Commander dispatches one acknowledged command; satisfied by
// *dispatch.Dispatcher.
type Commander interface {
	One(ctx context.Context, op protocol.Op, tgt dispatch.Target) dispatch.Result
}

// Conn sends raw packets; satisfied by *transport.Mux.
type Conn interface {
	Send(addr *net.UDPAddr, pkt protocol.Packet) error
}

// Action is what the reconciler did (or declined to do) for one entry.
type Action int

const (
	// ActionUpdated means changed parameters were written and stored.
	ActionUpdated Action = iota
	// ActionUnchanged means the sensor already matched the entry.
	ActionUnchanged
	// ActionRejected means the sensor refused the write, typically
	// because its configuration is locked. Locked sensors are never
	// unlocked implicitly; unlock them explicitly first.
	ActionRejected
	// ActionUnmatched means no live sensor carries the entry's serial.
	ActionUnmatched
	// ActionFailed means the write was attempted but not confirmed.
	ActionFailed
)

func (a Action) String() string {
	switch a {
	case ActionUpdated:
		return "updated"
	case ActionUnchanged:
		return "unchanged"
	case ActionRejected:
		return "rejected"
	case ActionUnmatched:
		return "unmatched"
	case ActionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports the outcome of one entry.
type Result struct {
	Serial uint16
	Action Action
	// Reason is set for ActionRejected.
	Reason string
	// Changed are the JSON names of the parameters written.
	Changed []string
	// Rebooted reports whether the post-write reboot was acknowledged.
	Rebooted bool
	Err      error
}

// Options tunes an Apply run.
type Options struct {
	// NoReboot leaves sensors running after the write. Stored
	// parameters then take effect on the next power cycle instead.
	NoReboot bool
}

// Reconciler writes configuration entries to live sensors.
type Reconciler struct {
	conn Conn
	cmd  Commander
	log  *zap.Logger
}

func New(conn Conn, cmd Commander) *Reconciler {
	return &Reconciler{
		conn: conn,
		cmd:  cmd,
		log:  logging.GetLogger().Named("reconcile"),
	}
}

// Apply reconciles every entry against the discovery snapshot. Entries
// whose serial no sensor answered for are reported, not fatal; a locked
// sensor rejects its write without affecting the others. Writes that
// change nothing send nothing, so re-applying a file that already took
// effect is a no-op.
func (r *Reconciler) Apply(ctx context.Context, entries []Entry, snapshot []resolve.Identity, opts Options) []Result {
	bySerial := make(map[uint16]resolve.Identity, len(snapshot))
	for _, id := range snapshot {
		bySerial[id.Serial] = id
	}

	results := make([]Result, 0, len(entries))
	var rebootTargets []dispatch.Target

	for _, entry := range entries {
		res := Result{Serial: entry.SensorSN}

		id, ok := bySerial[entry.SensorSN]
		if !ok {
			res.Action = ActionUnmatched
			r.log.Warn("no sensor matches entry", zap.Uint16("serial", entry.SensorSN))
			results = append(results, res)
			continue
		}

		if id.Info.Locked {
			res.Action = ActionRejected
			res.Reason = "locked"
			r.log.Warn("sensor is locked, skipping write", zap.Uint16("serial", entry.SensorSN))
			results = append(results, res)
			continue
		}

		merged, changed := Merge(entry, id.Info)
		if len(changed) == 0 {
			res.Action = ActionUnchanged
			results = append(results, res)
			continue
		}
		res.Changed = changed

		if err := r.write(ctx, id, merged, &res); err == nil && res.Action == ActionUpdated && !opts.NoReboot {
			rebootTargets = append(rebootTargets, dispatch.Target{Serial: id.Serial, Addr: id.Addr})
		}
		results = append(results, res)
	}

	if len(rebootTargets) > 0 {
		rebooted := make(map[uint16]bool, len(rebootTargets))
		for _, tgt := range rebootTargets {
			out := r.cmd.One(ctx, protocol.OpReboot, tgt)
			rebooted[tgt.Serial] = out.Status == dispatch.StatusSuccess
			if out.Status != dispatch.StatusSuccess {
				r.log.Warn("reboot not acknowledged",
					zap.Uint16("serial", tgt.Serial),
					zap.String("status", out.Status.String()))
			}
		}
		for i := range results {
			if results[i].Action == ActionUpdated {
				results[i].Rebooted = rebooted[results[i].Serial]
			}
		}
	}

	return results
}

// write pushes the merged parameter block and confirms it with an
// acknowledged store command. The sensor writes the parameters to flash
// on store; a lost store ack retries the command alone, which is safe to
// repeat.
func (r *Reconciler) write(ctx context.Context, id resolve.Identity, merged protocol.Info, res *Result) error {
	pkt := protocol.Packet{MsgID: protocol.MsgInfo, Payload: protocol.EncodeInfo(merged)}
	if err := r.conn.Send(id.Addr, pkt); err != nil {
		res.Action = ActionFailed
		res.Err = err
		return err
	}

	out := r.cmd.One(ctx, protocol.OpStore, dispatch.Target{Serial: id.Serial, Addr: id.Addr})
	switch out.Status {
	case dispatch.StatusSuccess:
		res.Action = ActionUpdated
		r.log.Info("configuration stored",
			zap.Uint16("serial", id.Serial),
			zap.Strings("changed", res.Changed))
		return nil
	case dispatch.StatusRejected:
		res.Action = ActionRejected
		res.Reason = out.Reason
		return nil
	default:
		res.Action = ActionFailed
		res.Err = out.Err
		return nil
	}
}
