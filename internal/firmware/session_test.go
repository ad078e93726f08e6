package firmware

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hybo/ilidar-tool/internal/dispatch"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/resolve"
	"github.com/hybo/ilidar-tool/internal/transport"
)

var testHWIDBytes = [12]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc}

func testImage(serial uint16, version protocol.Version) *Image {
	img := &Image{Type: "itfs", Version: version, Serial: serial, HWID: testHWIDBytes}
	img.data = bytes.Repeat([]byte{0x5A}, ImageSize)
	return img
}

func testIdentity(serial uint16, fw1 protocol.Version, bootCtrl uint8) resolve.Identity {
	var info protocol.Info
	info.SensorSN = serial
	copy(info.HWID[:12], testHWIDBytes[:])
	info.FWVersion = protocol.NewVersion(1, 5, 4)
	info.FW1Version = fw1
	info.BootCtrl = bootCtrl
	return resolve.Identity{
		Serial: serial,
		Addr:   &net.UDPAddr{IP: net.IPv4(192, 168, 5, 10), Port: protocol.SensorConfigPort},
		Info:   info,
	}
}

// fakeSensor plays the bootloader side of the flashing protocol through
// an in-memory Conn.
type fakeSensor struct {
	mu          sync.Mutex
	addr        *net.UDPAddr
	bitmap      [32]byte
	flashStarts int
	blocksSeen  int
	// dropBlock, when >= 0, is a block index whose receipt bit is never
	// set, as if its checksum kept failing on the sensor.
	dropBlock int

	subs   map[int]*fakeSub
	nextID int
}

type fakeSub struct {
	filter transport.FilterFunc
	ch     chan transport.Message
}

func newFakeSensor(addr *net.UDPAddr) *fakeSensor {
	return &fakeSensor{addr: addr, dropBlock: -1, subs: make(map[int]*fakeSub)}
}

func (f *fakeSensor) Subscribe(filter transport.FilterFunc) (<-chan transport.Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	sub := &fakeSub{filter: filter, ch: make(chan transport.Message, 32)}
	f.subs[id] = sub
	return sub.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok {
			close(s.ch)
			delete(f.subs, id)
		}
	}
}

func (f *fakeSensor) Send(_ *net.UDPAddr, pkt protocol.Packet) error {
	switch pkt.MsgID {
	case protocol.MsgCommand:
		op, _, err := protocol.ParseCommand(pkt)
		if err != nil {
			return nil
		}
		if op == protocol.OpFlashStart {
			f.mu.Lock()
			f.flashStarts++
			f.bitmap = [32]byte{}
			f.mu.Unlock()
			f.reply(protocol.BuildAck(protocol.OpFlashStart, [32]byte{}))
		}
	case protocol.MsgFlashBlock:
		block, err := protocol.ParseFlashBlock(pkt)
		if err != nil {
			return nil
		}
		f.mu.Lock()
		f.blocksSeen++
		if int(block.Index) != f.dropBlock {
			f.bitmap[block.Index/8] |= 1 << (block.Index % 8)
		}
		bitmap := f.bitmap
		f.mu.Unlock()
		f.reply(protocol.BuildAck(protocol.OpFlashStart, bitmap))
	}
	return nil
}

func (f *fakeSensor) reply(pkt protocol.Packet) {
	msg := transport.Message{Addr: f.addr, Packet: pkt}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.filter(msg.Addr, msg.Packet) {
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// fakeCommander acknowledges every command and remembers the order.
type fakeCommander struct {
	mu  sync.Mutex
	ops []protocol.Op
}

func (f *fakeCommander) One(_ context.Context, op protocol.Op, tgt dispatch.Target) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return dispatch.Result{Target: tgt, Op: op, Status: dispatch.StatusSuccess, Attempts: 1}
}

func (f *fakeCommander) saw(op protocol.Op) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.ops {
		if o == op {
			return true
		}
	}
	return false
}

// fakeProber returns whatever the test's probe func decides.
type fakeProber struct {
	probe func() (resolve.Identity, bool)
}

func (f *fakeProber) Probe(context.Context, net.IP) (resolve.Identity, bool) {
	return f.probe()
}

func fastTimeouts() Timeouts {
	return Timeouts{
		SafeBoot:          time.Second,
		SafeBootRetries:   1,
		FlashStart:        100 * time.Millisecond,
		FlashStartRetries: 2,
		Chunk:             50 * time.Millisecond,
		ChunkRetries:      2,
		Settle:            5 * time.Millisecond,
		Verify:            2 * time.Second,
	}
}

func TestSessionHappyPath(t *testing.T) {
	id := testIdentity(456, protocol.NewVersion(1, 5, 2), 0)
	img := testImage(456, protocol.NewVersion(1, 5, 3))
	sensor := newFakeSensor(id.Addr)
	cmd := &fakeCommander{}

	// After the commit the sensor comes back on the new firmware.
	prober := &fakeProber{probe: func() (resolve.Identity, bool) {
		if cmd.saw(protocol.OpFlashFinish) {
			return testIdentity(456, img.Version, 1), true
		}
		return id, true
	}}

	sess := NewSession(sensor, cmd, prober, img, id, false, fastTimeouts(), nil)
	res := sess.Run(context.Background())

	if res.State != StateDone {
		t.Fatalf("state = %v (%s), want done", res.State, res.Reason)
	}
	if res.ChunksAcked != protocol.FlashChunkCount {
		t.Errorf("ChunksAcked = %d, want %d", res.ChunksAcked, protocol.FlashChunkCount)
	}
	if res.From.String() != "1.5.2" || res.To.String() != "1.5.3" {
		t.Errorf("versions = %s -> %s, want 1.5.2 -> 1.5.3", res.From, res.To)
	}
	if !cmd.saw(protocol.OpPause) {
		t.Error("sensor was not paused before the transfer")
	}
	if !cmd.saw(protocol.OpFlashFinish) {
		t.Error("flash commit was never sent")
	}
	if sensor.blocksSeen < protocol.FlashChunkCount {
		t.Errorf("blocks seen = %d, want at least %d", sensor.blocksSeen, protocol.FlashChunkCount)
	}
}

func TestSessionVersionGate(t *testing.T) {
	id := testIdentity(456, protocol.NewVersion(1, 5, 3), 1)
	img := testImage(456, protocol.NewVersion(1, 5, 3))
	sensor := newFakeSensor(id.Addr)
	cmd := &fakeCommander{}
	prober := &fakeProber{probe: func() (resolve.Identity, bool) { return id, true }}

	sess := NewSession(sensor, cmd, prober, img, id, false, fastTimeouts(), nil)
	res := sess.Run(context.Background())

	if res.State != StateDone || res.Reason != "already current" {
		t.Fatalf("state = %v reason = %q, want done/already current", res.State, res.Reason)
	}
	if sensor.blocksSeen != 0 || sensor.flashStarts != 0 {
		t.Error("version-gated session must send no packets")
	}
	if len(cmd.ops) != 0 {
		t.Errorf("commands issued = %v, want none", cmd.ops)
	}
}

func TestSessionOverwriteBypassesVersionGate(t *testing.T) {
	id := testIdentity(456, protocol.NewVersion(1, 5, 3), 0)
	img := testImage(456, protocol.NewVersion(1, 5, 3))
	sensor := newFakeSensor(id.Addr)
	cmd := &fakeCommander{}
	prober := &fakeProber{probe: func() (resolve.Identity, bool) {
		return testIdentity(456, img.Version, 1), true
	}}

	sess := NewSession(sensor, cmd, prober, img, id, true, fastTimeouts(), nil)
	res := sess.Run(context.Background())

	if res.State != StateDone {
		t.Fatalf("state = %v (%s), want done", res.State, res.Reason)
	}
	if sensor.blocksSeen < protocol.FlashChunkCount {
		t.Errorf("blocks seen = %d, overwrite must flash anyway", sensor.blocksSeen)
	}
}

func TestSessionTransferFailureRestartsOnce(t *testing.T) {
	id := testIdentity(456, protocol.NewVersion(1, 5, 2), 0)
	img := testImage(456, protocol.NewVersion(1, 5, 3))
	sensor := newFakeSensor(id.Addr)
	sensor.dropBlock = 3 // block 3 never confirms
	cmd := &fakeCommander{}
	prober := &fakeProber{probe: func() (resolve.Identity, bool) { return id, true }}

	sess := NewSession(sensor, cmd, prober, img, id, false, fastTimeouts(), nil)
	res := sess.Run(context.Background())

	if res.State != StateFailed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	if res.Reason != "transfer failed" {
		t.Errorf("reason = %q, want transfer failed", res.Reason)
	}
	if sensor.flashStarts != 2 {
		t.Errorf("flash starts = %d, want 2 (initial attempt plus one restart)", sensor.flashStarts)
	}
	if cmd.saw(protocol.OpFlashFinish) {
		t.Error("failed transfer must not be committed")
	}
}

func TestSessionChecks(t *testing.T) {
	img := testImage(456, protocol.NewVersion(1, 5, 3))

	mismatched := testIdentity(456, protocol.NewVersion(1, 5, 2), 0)
	mismatched.Info.HWID[0] = 0xEE

	oldBoot := testIdentity(456, protocol.NewVersion(1, 5, 2), 0)
	oldBoot.Info.FWVersion = protocol.NewVersion(1, 5, 3)

	locked := testIdentity(456, protocol.NewVersion(1, 5, 2), 0)
	locked.Info.Locked = true

	tests := []struct {
		name string
		id   resolve.Identity
	}{
		{"hardware id mismatch", mismatched},
		{"bootloader too old", oldBoot},
		{"locked sensor", locked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sensor := newFakeSensor(tt.id.Addr)
			cmd := &fakeCommander{}
			prober := &fakeProber{probe: func() (resolve.Identity, bool) { return tt.id, true }}

			sess := NewSession(sensor, cmd, prober, img, tt.id, false, fastTimeouts(), nil)
			res := sess.Run(context.Background())

			if res.State != StateFailed {
				t.Fatalf("state = %v, want failed", res.State)
			}
			if sensor.blocksSeen != 0 {
				t.Error("a precheck failure must not transfer anything")
			}
		})
	}
}

func TestSessionSafeBootConfirmation(t *testing.T) {
	running := testIdentity(456, protocol.NewVersion(1, 5, 2), 1)
	img := testImage(456, protocol.NewVersion(1, 5, 3))
	sensor := newFakeSensor(running.Addr)
	cmd := &fakeCommander{}

	prober := &fakeProber{probe: func() (resolve.Identity, bool) {
		if cmd.saw(protocol.OpFlashFinish) {
			return testIdentity(456, img.Version, 1), true
		}
		if cmd.saw(protocol.OpSafeBoot) {
			return testIdentity(456, protocol.NewVersion(1, 5, 2), 0), true
		}
		return running, true
	}}

	sess := NewSession(sensor, cmd, prober, img, running, false, fastTimeouts(), nil)
	res := sess.Run(context.Background())

	if res.State != StateDone {
		t.Fatalf("state = %v (%s), want done", res.State, res.Reason)
	}
	if !cmd.saw(protocol.OpSafeBoot) {
		t.Error("running sensor must be safe-booted before flashing")
	}
}

func TestUpdaterSkipsUntargetedSensor(t *testing.T) {
	img := testImage(999, protocol.NewVersion(1, 5, 3))
	sensorAddr := &net.UDPAddr{IP: net.IPv4(192, 168, 5, 10), Port: protocol.SensorConfigPort}
	u := NewUpdater(newFakeSensor(sensorAddr), &fakeCommander{}, &fakeProber{
		probe: func() (resolve.Identity, bool) { return resolve.Identity{}, false },
	})

	results := u.UpdateAll(context.Background(), []*Image{img}, nil, Options{Timeouts: fastTimeouts()})

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].State != StateSkipped {
		t.Errorf("state = %v, want skipped: an image without a target is not a failure", results[0].State)
	}
	if results[0].Reason != "sensor not targeted" {
		t.Errorf("reason = %q, want \"sensor not targeted\"", results[0].Reason)
	}
}
