// Package dispatch sends fleet commands to sensors in parallel and
// correlates each sensor's reply with the command that prompted it.
package dispatch

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/transport"
)

const (
	// DefaultTimeout bounds one attempt's wait for a reply.
	DefaultTimeout = 500 * time.Millisecond
	// DefaultRetries is how many attempts a target gets before it is
	// reported as unreachable.
	DefaultRetries = 3
)

// Conn is the slice of the transport mux the dispatcher needs.
type Conn interface {
	Subscribe(filter transport.FilterFunc) (<-chan transport.Message, func())
	Send(addr *net.UDPAddr, pkt protocol.Packet) error
}

// Target is one sensor to command.
type Target struct {
	Serial uint16
	Addr   *net.UDPAddr
}

// Status is the per-target outcome of a dispatched command.
type Status int

const (
	// StatusSuccess means the sensor acknowledged the command.
	StatusSuccess Status = iota
	// StatusTimeout means no matching reply arrived within the retry budget.
	StatusTimeout
	// StatusRejected means the sensor refused the command.
	StatusRejected
	// StatusError means the attempt failed locally (send error, cancelled
	// context) before an outcome could be observed.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusRejected:
		return "rejected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one command on one target.
type Result struct {
	Target Target
	Op     protocol.Op
	Status Status
	// Reason is set for StatusRejected (for example "locked").
	Reason string
	// Response holds the reply packet for StatusSuccess. For read_info
	// this is the info packet itself.
	Response protocol.Packet
	// Attempts is how many sends were made.
	Attempts int
	Err      error
}

// Invalidates reports whether this result means the target's cached
// address and identity can no longer be trusted (it acknowledged a
// command that reboots or renumbers it).
func (r Result) Invalidates() bool {
	return r.Status == StatusSuccess && r.Op.Invalidates()
}

// Options tunes a Dispatcher. Zero values take the defaults.
type Options struct {
	Timeout time.Duration
	Retries int
}

// Dispatcher fans a command out to many sensors at once. Each target is
// handled by its own goroutine with its own retry budget, so one dead
// sensor never slows down or fails the rest.
type Dispatcher struct {
	conn    Conn
	timeout time.Duration
	retries int
	log     *zap.Logger
}

func New(conn Conn, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	return &Dispatcher{
		conn:    conn,
		timeout: opts.Timeout,
		retries: opts.Retries,
		log:     logging.GetLogger().Named("dispatch"),
	}
}

// Run sends op to every target in parallel and blocks until every target
// has an outcome. Results are returned in target order.
func (d *Dispatcher) Run(ctx context.Context, op protocol.Op, targets []Target) []Result {
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, tgt := range targets {
		wg.Add(1)
		go func(i int, tgt Target) {
			defer wg.Done()
			results[i] = d.one(ctx, op, tgt)
		}(i, tgt)
	}
	wg.Wait()
	return results
}

// One sends op to a single target. It is Run for a single sensor.
func (d *Dispatcher) One(ctx context.Context, op protocol.Op, tgt Target) Result {
	return d.one(ctx, op, tgt)
}

// replyFilter matches the packets that answer op from tgt's address:
// an ack echoing op, or, for read_info, the info packet itself. Anything
// else — including late acks for earlier opcodes — is left for the mux
// to drop.
func replyFilter(op protocol.Op, tgt Target) transport.FilterFunc {
	return func(addr *net.UDPAddr, pkt protocol.Packet) bool {
		if !addr.IP.Equal(tgt.Addr.IP) {
			return false
		}
		switch pkt.MsgID {
		case protocol.MsgAck:
			ack, err := protocol.ParseAck(pkt)
			return err == nil && ack.Op == op
		case protocol.MsgInfo:
			return op == protocol.OpReadInfo
		}
		return false
	}
}

func (d *Dispatcher) one(ctx context.Context, op protocol.Op, tgt Target) Result {
	res := Result{Target: tgt, Op: op}

	ch, cancel := d.conn.Subscribe(replyFilter(op, tgt))
	defer cancel()

	cmd := protocol.BuildCommand(op, tgt.Serial)
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for attempt := 1; attempt <= d.retries; attempt++ {
		res.Attempts = attempt
		if err := d.conn.Send(tgt.Addr, cmd); err != nil {
			res.Status = StatusError
			res.Err = err
			return res
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.timeout)

		select {
		case <-ctx.Done():
			res.Status = StatusError
			res.Err = ctx.Err()
			return res

		case <-timer.C:
			d.log.Debug("no reply, retrying",
				zap.String("op", op.String()),
				zap.Uint16("serial", tgt.Serial),
				zap.Int("attempt", attempt))
			continue

		case msg, ok := <-ch:
			if !ok {
				res.Status = StatusError
				res.Err = transport.ErrClosed
				return res
			}
			res.Response = msg.Packet
			if msg.Packet.MsgID == protocol.MsgAck {
				ack, err := protocol.ParseAck(msg.Packet)
				if err != nil {
					res.Status = StatusError
					res.Err = err
					return res
				}
				if ack.Rejected() {
					res.Status = StatusRejected
					res.Reason = ack.RejectReason()
					return res
				}
			}
			res.Status = StatusSuccess
			return res
		}
	}

	res.Status = StatusTimeout
	return res
}
