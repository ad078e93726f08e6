package firmware

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/dispatch"
	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/resolve"
	"github.com/hybo/ilidar-tool/internal/transport"
)

// State is where an update session currently stands. Sessions move
// strictly forward; a failed wait lands in StateFailed rather than
// blocking, so a sensor that dies mid-update can never hang the run.
type State int

const (
	StateIdle State = iota
	StateSafeBootRequested
	StateSafeBootConfirmed
	StateTransferring
	StateTransferComplete
	StateRebootRequested
	StateVerifying
	StateDone
	StateFailed
	// StateSkipped marks an image whose sensor was not among the
	// resolved targets. No session runs for it.
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSafeBootRequested:
		return "safe-boot requested"
	case StateSafeBootConfirmed:
		return "safe-boot confirmed"
	case StateTransferring:
		return "transferring"
	case StateTransferComplete:
		return "transfer complete"
	case StateRebootRequested:
		return "reboot requested"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Timeouts bounds every wait in a session. Zero fields take defaults.
type Timeouts struct {
	// SafeBoot bounds one wait for the sensor to come back in safe-boot
	// mode after a safe_boot command.
	SafeBoot time.Duration
	// SafeBootRetries is how many safe_boot rounds are attempted.
	SafeBootRetries int
	// FlashStart bounds one wait for the flash_start ack (the sensor
	// erases its staging flash before answering).
	FlashStart time.Duration
	// FlashStartRetries is how many flash_start commands are attempted.
	FlashStartRetries int
	// Chunk bounds one wait for a flash block receipt.
	Chunk time.Duration
	// ChunkRetries is how many times one block is resent.
	ChunkRetries int
	// Settle is how long the sensor gets to reboot before verification
	// starts polling it.
	Settle time.Duration
	// Verify bounds the whole verification poll.
	Verify time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.SafeBoot <= 0 {
		t.SafeBoot = 10 * time.Second
	}
	if t.SafeBootRetries <= 0 {
		t.SafeBootRetries = 3
	}
	if t.FlashStart <= 0 {
		t.FlashStart = 3 * time.Second
	}
	if t.FlashStartRetries <= 0 {
		t.FlashStartRetries = 3
	}
	if t.Chunk <= 0 {
		t.Chunk = time.Second
	}
	if t.ChunkRetries <= 0 {
		t.ChunkRetries = 3
	}
	if t.Settle <= 0 {
		t.Settle = 5 * time.Second
	}
	if t.Verify <= 0 {
		t.Verify = 30 * time.Second
	}
	return t
}

// Conn is the slice of the transport mux a session needs for the block
// transfer.
type Conn interface {
	Subscribe(filter transport.FilterFunc) (<-chan transport.Message, func())
	Send(addr *net.UDPAddr, pkt protocol.Packet) error
}

// Commander dispatches one acknowledged command; satisfied by
// *dispatch.Dispatcher.
type Commander interface {
	One(ctx context.Context, op protocol.Op, tgt dispatch.Target) dispatch.Result
}

// Prober re-reads one sensor's info by IP; satisfied by
// *resolve.Resolver.
type Prober interface {
	Probe(ctx context.Context, ip net.IP) (resolve.Identity, bool)
}

// Progress receives session updates: the state just entered, and during
// the transfer the number of chunks acknowledged so far.
type Progress func(serial uint16, state State, chunksAcked int)

// Result is the final outcome of one session.
type Result struct {
	Serial uint16
	State  State // StateDone or StateFailed
	// Reason explains StateFailed, or "already current" for the version
	// gate's early StateDone.
	Reason string
	From   protocol.Version
	To     protocol.Version
	// ChunksAcked is how many flash blocks the sensor confirmed.
	ChunksAcked int
}

// Session updates one sensor with one image.
type Session struct {
	conn      Conn
	cmd       Commander
	prober    Prober
	img       *Image
	id        resolve.Identity
	overwrite bool
	timeouts  Timeouts
	progress  Progress
	log       *zap.Logger

	state  State
	acked  int
	target dispatch.Target
}

// NewSession pairs an image with the live sensor it addresses.
func NewSession(conn Conn, cmd Commander, prober Prober, img *Image, id resolve.Identity, overwrite bool, timeouts Timeouts, progress Progress) *Session {
	return &Session{
		conn:      conn,
		cmd:       cmd,
		prober:    prober,
		img:       img,
		id:        id,
		overwrite: overwrite,
		timeouts:  timeouts.withDefaults(),
		progress:  progress,
		log: logging.GetLogger().Named("firmware").With(
			zap.Uint16("serial", id.Serial)),
		state:  StateIdle,
		target: dispatch.Target{Serial: id.Serial, Addr: id.Addr},
	}
}

func (s *Session) enter(state State) {
	s.state = state
	s.log.Debug("state change", zap.String("state", state.String()))
	if s.progress != nil {
		s.progress(s.id.Serial, state, s.acked)
	}
}

func (s *Session) fail(reason string) Result {
	s.enter(StateFailed)
	s.log.Warn("update failed", zap.String("reason", reason))
	return Result{
		Serial:      s.id.Serial,
		State:       StateFailed,
		Reason:      reason,
		From:        s.id.Info.FW1Version,
		To:          s.img.Version,
		ChunksAcked: s.acked,
	}
}

func (s *Session) done(reason string) Result {
	s.enter(StateDone)
	return Result{
		Serial:      s.id.Serial,
		State:       StateDone,
		Reason:      reason,
		From:        s.id.Info.FW1Version,
		To:          s.img.Version,
		ChunksAcked: s.acked,
	}
}

// minBootloader is the oldest fw0 that can run the flashing protocol.
var minBootloader = protocol.NewVersion(1, 5, 4)

// Run drives the session to StateDone or StateFailed. Every network wait
// inside is bounded by a timeout or by ctx, whichever ends first.
func (s *Session) Run(ctx context.Context) Result {
	// Version gate: a sensor already at or past the image version is
	// left untouched unless overwrite was asked for.
	if !s.overwrite && s.id.Info.FW1Version.Compare(s.img.Version) >= 0 {
		s.log.Info("firmware already current",
			zap.String("installed", s.id.Info.FW1Version.String()),
			zap.String("image", s.img.Version.String()))
		return s.done("already current")
	}

	if [12]byte(s.id.Info.HWID[0:12]) != s.img.HWID {
		return s.fail("hardware id does not match the image")
	}
	if s.id.Info.FWVersion.Compare(minBootloader) < 0 {
		return s.fail("bootloader " + s.id.Info.FWVersion.String() + " does not support updates")
	}
	if s.id.Info.Locked {
		return s.fail("sensor is locked")
	}

	if !s.safeBoot(ctx) {
		if ctx.Err() != nil {
			return s.fail("cancelled")
		}
		return s.fail("sensor did not enter safe-boot mode")
	}

	// Keep the sensor quiet during the transfer.
	s.cmd.One(ctx, protocol.OpPause, s.target)

	if !s.flashStart(ctx) {
		if ctx.Err() != nil {
			return s.fail("cancelled")
		}
		return s.fail("sensor did not enter flashing mode")
	}

	// The transfer gets one full restart: a sensor that loses sync over
	// a congested link usually recovers after re-erasing.
	if !s.transfer(ctx) {
		if ctx.Err() != nil {
			return s.fail("cancelled")
		}
		s.log.Warn("transfer failed, restarting once")
		s.acked = 0
		if !s.flashStart(ctx) || !s.transfer(ctx) {
			if ctx.Err() != nil {
				return s.fail("cancelled")
			}
			return s.fail("transfer failed")
		}
	}
	s.enter(StateTransferComplete)

	out := s.cmd.One(ctx, protocol.OpFlashFinish, s.target)
	if out.Status != dispatch.StatusSuccess {
		return s.fail("flash commit was not acknowledged")
	}
	s.enter(StateRebootRequested)

	if !sleepCtx(ctx, s.timeouts.Settle) {
		return s.fail("cancelled")
	}

	s.enter(StateVerifying)
	if !s.verify(ctx) {
		if ctx.Err() != nil {
			return s.fail("cancelled")
		}
		return s.fail("sensor did not report the new version in time")
	}

	return s.done("")
}

// safeBoot puts the sensor into safe-boot mode and confirms it there via
// a fresh info read. Confirmation matters: flash_start on a normally
// booted sensor is rejected by the application firmware.
func (s *Session) safeBoot(ctx context.Context) bool {
	if s.id.Info.BootCtrl == 0 {
		s.enter(StateSafeBootConfirmed)
		return true
	}

	for attempt := 0; attempt < s.timeouts.SafeBootRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		s.cmd.One(ctx, protocol.OpSafeBoot, s.target)
		s.enter(StateSafeBootRequested)

		deadline := time.Now().Add(s.timeouts.SafeBoot)
		for time.Now().Before(deadline) {
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return false
			}
			id, ok := s.prober.Probe(ctx, s.id.Addr.IP)
			if ok && id.Serial == s.id.Serial && id.Info.BootCtrl == 0 {
				s.id = id
				s.target = dispatch.Target{Serial: id.Serial, Addr: id.Addr}
				s.enter(StateSafeBootConfirmed)
				return true
			}
		}
		s.log.Debug("safe-boot not confirmed, retrying", zap.Int("attempt", attempt+1))
	}
	return false
}

// flashStart asks the bootloader to erase its staging area and waits for
// the clean-slate ack (an empty receipt bitmap).
func (s *Session) flashStart(ctx context.Context) bool {
	for attempt := 0; attempt < s.timeouts.FlashStartRetries; attempt++ {
		out := s.oneFlashCommand(ctx, protocol.OpFlashStart, s.timeouts.FlashStart)
		if out == nil {
			continue
		}
		if out.BitmapClear() {
			s.enter(StateTransferring)
			return true
		}
		if out.Status() == protocol.AckRejectedLocked {
			return false
		}
		// Stale receipt state from an interrupted run; ask again.
		s.log.Debug("flash_start ack carried stale receipts, retrying")
	}
	return false
}

// oneFlashCommand sends op and waits up to timeout for its ack.
func (s *Session) oneFlashCommand(ctx context.Context, op protocol.Op, timeout time.Duration) *protocol.Ack {
	ch, cancel := s.conn.Subscribe(s.ackFilter(op))
	defer cancel()

	if err := s.conn.Send(s.id.Addr, protocol.BuildCommand(op, s.id.Serial)); err != nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case msg, ok := <-ch:
		if !ok {
			return nil
		}
		ack, err := protocol.ParseAck(msg.Packet)
		if err != nil {
			return nil
		}
		return &ack
	}
}

func (s *Session) ackFilter(op protocol.Op) transport.FilterFunc {
	return func(addr *net.UDPAddr, pkt protocol.Packet) bool {
		if pkt.MsgID != protocol.MsgAck || !addr.IP.Equal(s.id.Addr.IP) {
			return false
		}
		ack, err := protocol.ParseAck(pkt)
		return err == nil && ack.Op == op
	}
}

// transfer streams all 256 blocks in order. Block N+1 goes out only
// after the sensor's receipt bitmap confirms block N, so the bootloader
// never has to reorder writes.
func (s *Session) transfer(ctx context.Context) bool {
	ch, cancel := s.conn.Subscribe(s.ackFilter(protocol.OpFlashStart))
	defer cancel()

	for i := 0; i < protocol.FlashChunkCount; i++ {
		pkt, err := protocol.BuildFlashBlock(s.id.Info.HWID, uint8(i), s.img.Version, s.img.Chunk(i))
		if err != nil {
			return false
		}
		if !s.sendChunk(ctx, ch, pkt, i) {
			return false
		}
		s.acked = i + 1
		if s.progress != nil {
			s.progress(s.id.Serial, StateTransferring, s.acked)
		}
	}
	return true
}

// sendChunk sends one block until the receipt bitmap confirms it, within
// the per-chunk retry budget.
func (s *Session) sendChunk(ctx context.Context, ch <-chan transport.Message, pkt protocol.Packet, i int) bool {
	for attempt := 0; attempt < s.timeouts.ChunkRetries; attempt++ {
		if err := s.conn.Send(s.id.Addr, pkt); err != nil {
			return false
		}

		timer := time.NewTimer(s.timeouts.Chunk)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
				s.log.Debug("no receipt for block, resending",
					zap.Int("block", i), zap.Int("attempt", attempt+1))
				break wait
			case msg, ok := <-ch:
				if !ok {
					timer.Stop()
					return false
				}
				ack, err := protocol.ParseAck(msg.Packet)
				if err != nil {
					continue
				}
				if ack.ChunkAcked(i) {
					timer.Stop()
					return true
				}
				// Receipt without our bit set: the block was lost or
				// failed its checksum on the sensor. Resend.
				break wait
			}
		}
		timer.Stop()
	}
	return false
}

// verify polls the sensor after its reboot until it reports the image
// version as its running firmware. The poll is capped by the verify
// deadline; a sensor that never comes back fails the session instead of
// wedging it.
func (s *Session) verify(ctx context.Context) bool {
	deadline := time.Now().Add(s.timeouts.Verify)
	resent := false
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		id, ok := s.prober.Probe(ctx, s.id.Addr.IP)
		if ok && id.Serial == s.id.Serial {
			if id.Info.FW1Version.Compare(s.img.Version) == 0 {
				return true
			}
			// Came back on the old firmware: the commit may not have
			// taken. One more flash_finish, then keep polling.
			if !resent && id.Info.BootCtrl == 0 {
				resent = true
				s.log.Warn("sensor rebooted on old firmware, re-sending commit")
				s.cmd.One(ctx, protocol.OpFlashFinish, s.target)
				if !sleepCtx(ctx, s.timeouts.Settle) {
					return false
				}
				continue
			}
		}
		if !sleepCtx(ctx, time.Second) {
			return false
		}
	}
	return false
}

// sleepCtx waits d or until ctx is cancelled; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
