package reconcile

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/hybo/ilidar-tool/internal/dispatch"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/resolve"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.Packet
	err  error
}

func (f *fakeConn) Send(_ *net.UDPAddr, pkt protocol.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeConn) sentPackets() []protocol.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Packet(nil), f.sent...)
}

type fakeCommander struct {
	mu      sync.Mutex
	ops     []protocol.Op
	outcome map[protocol.Op]dispatch.Status
}

func (f *fakeCommander) One(_ context.Context, op protocol.Op, tgt dispatch.Target) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	status := dispatch.StatusSuccess
	if f.outcome != nil {
		if s, ok := f.outcome[op]; ok {
			status = s
		}
	}
	res := dispatch.Result{Target: tgt, Op: op, Status: status, Attempts: 1}
	if status == dispatch.StatusRejected {
		res.Reason = "locked"
	}
	return res
}

func (f *fakeCommander) opCount(op protocol.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.ops {
		if o == op {
			n++
		}
	}
	return n
}

func identity(serial uint16, lastOctet byte, info protocol.Info) resolve.Identity {
	info.SensorSN = serial
	return resolve.Identity{
		Serial: serial,
		Addr:   &net.UDPAddr{IP: net.IPv4(192, 168, 5, lastOctet), Port: protocol.SensorConfigPort},
		Info:   info,
	}
}

func TestApplyWritesDiffAndReboots(t *testing.T) {
	conn := &fakeConn{}
	cmd := &fakeCommander{}
	r := New(conn, cmd)

	snapshot := []resolve.Identity{
		identity(456, 10, protocol.Info{CaptureMode: 3, CaptureRow: 40}),
	}
	entries := []Entry{{SensorSN: 456, CaptureMode: u8(5)}}

	results := r.Apply(context.Background(), entries, snapshot, Options{})

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	res := results[0]
	if res.Action != ActionUpdated {
		t.Fatalf("action = %v, want updated", res.Action)
	}
	if !res.Rebooted {
		t.Error("sensor was not rebooted after a successful write")
	}

	sent := conn.sentPackets()
	if len(sent) != 1 || sent[0].MsgID != protocol.MsgInfo {
		t.Fatalf("sent = %v, want exactly one info packet", sent)
	}
	written, err := protocol.DecodeInfo(sent[0].Payload)
	if err != nil {
		t.Fatalf("DecodeInfo on written payload: %v", err)
	}
	if written.CaptureMode != 5 {
		t.Errorf("written CaptureMode = %d, want 5", written.CaptureMode)
	}
	if written.CaptureRow != 40 {
		t.Errorf("written CaptureRow = %d, want preserved 40", written.CaptureRow)
	}
	if cmd.opCount(protocol.OpStore) != 1 || cmd.opCount(protocol.OpReboot) != 1 {
		t.Errorf("store=%d reboot=%d, want 1/1",
			cmd.opCount(protocol.OpStore), cmd.opCount(protocol.OpReboot))
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	cmd := &fakeCommander{}
	r := New(conn, cmd)

	snapshot := []resolve.Identity{
		identity(456, 10, protocol.Info{CaptureMode: 5}),
	}
	entries := []Entry{{SensorSN: 456, CaptureMode: u8(5)}}

	results := r.Apply(context.Background(), entries, snapshot, Options{})

	if results[0].Action != ActionUnchanged {
		t.Fatalf("action = %v, want unchanged", results[0].Action)
	}
	if len(conn.sentPackets()) != 0 {
		t.Error("a no-diff entry must not write anything")
	}
	if len(cmd.ops) != 0 {
		t.Errorf("commands issued = %v, want none", cmd.ops)
	}
}

func TestApplyRejectsLockedSensor(t *testing.T) {
	conn := &fakeConn{}
	cmd := &fakeCommander{}
	r := New(conn, cmd)

	snapshot := []resolve.Identity{
		identity(456, 10, protocol.Info{CaptureMode: 3, Locked: true}),
	}
	entries := []Entry{{SensorSN: 456, CaptureMode: u8(5)}}

	results := r.Apply(context.Background(), entries, snapshot, Options{})

	res := results[0]
	if res.Action != ActionRejected || res.Reason != "locked" {
		t.Fatalf("action = %v reason = %q, want rejected/locked", res.Action, res.Reason)
	}
	if len(conn.sentPackets()) != 0 {
		t.Error("locked sensor must not receive a write")
	}
	if cmd.opCount(protocol.OpUnlock) != 0 {
		t.Error("locked sensor must never be unlocked implicitly")
	}
}

func TestApplyReportsUnmatchedSerial(t *testing.T) {
	conn := &fakeConn{}
	cmd := &fakeCommander{}
	r := New(conn, cmd)

	snapshot := []resolve.Identity{
		identity(100, 10, protocol.Info{}),
	}
	entries := []Entry{
		{SensorSN: 100, CaptureMode: u8(1)},
		{SensorSN: 999, CaptureMode: u8(1)},
	}

	results := r.Apply(context.Background(), entries, snapshot, Options{})

	if results[0].Action != ActionUpdated {
		t.Errorf("matched entry action = %v, want updated", results[0].Action)
	}
	if results[1].Action != ActionUnmatched {
		t.Errorf("unmatched entry action = %v, want unmatched", results[1].Action)
	}
}

func TestApplyNoReboot(t *testing.T) {
	conn := &fakeConn{}
	cmd := &fakeCommander{}
	r := New(conn, cmd)

	snapshot := []resolve.Identity{
		identity(456, 10, protocol.Info{CaptureMode: 3}),
	}
	entries := []Entry{{SensorSN: 456, CaptureMode: u8(5)}}

	results := r.Apply(context.Background(), entries, snapshot, Options{NoReboot: true})

	if results[0].Action != ActionUpdated {
		t.Fatalf("action = %v, want updated", results[0].Action)
	}
	if results[0].Rebooted {
		t.Error("Rebooted = true with NoReboot set")
	}
	if cmd.opCount(protocol.OpReboot) != 0 {
		t.Error("reboot issued despite NoReboot")
	}
}

func TestApplyStoreTimeoutFails(t *testing.T) {
	conn := &fakeConn{}
	cmd := &fakeCommander{outcome: map[protocol.Op]dispatch.Status{
		protocol.OpStore: dispatch.StatusTimeout,
	}}
	r := New(conn, cmd)

	snapshot := []resolve.Identity{
		identity(456, 10, protocol.Info{CaptureMode: 3}),
	}
	entries := []Entry{{SensorSN: 456, CaptureMode: u8(5)}}

	results := r.Apply(context.Background(), entries, snapshot, Options{})

	if results[0].Action != ActionFailed {
		t.Fatalf("action = %v, want failed when store is never acknowledged", results[0].Action)
	}
	if cmd.opCount(protocol.OpReboot) != 0 {
		t.Error("failed write must not be followed by a reboot")
	}
}
