// Package resolve turns the names a user gives on the command line —
// serials, IP addresses, or "all" — into the network addresses of live
// sensors, using broadcast discovery over the config port.
package resolve

import (
	"context"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/transport"
)

const (
	// DefaultWindow is how long one discovery round listens for info
	// replies before returning what it has.
	DefaultWindow = 2 * time.Second
	// rebroadcastEvery is the interval between repeated read_info
	// broadcasts inside the window, so sensors that miss one still answer.
	rebroadcastEvery = 200 * time.Millisecond
)

// Conn is the slice of the transport mux the resolver needs.
type Conn interface {
	Subscribe(filter transport.FilterFunc) (<-chan transport.Message, func())
	Send(addr *net.UDPAddr, pkt protocol.Packet) error
	Broadcast(pkt protocol.Packet) error
}

// Identity is one sensor as seen during a discovery window: the address
// to command it at, and the configuration it reported.
type Identity struct {
	Serial       uint16
	Addr         *net.UDPAddr
	Info         protocol.Info
	DiscoveredAt time.Time
}

// Filter narrows discovery to sensors configured to send their data to a
// given destination. The zero Filter matches every sensor. DestIP and
// DestPort apply independently, so either alone is a valid constraint.
type Filter struct {
	DestIP   string
	DestPort int
}

// Matches reports whether info's configured data destination satisfies
// the filter.
func (f Filter) Matches(info protocol.Info) bool {
	if f.DestIP != "" && info.DestIPString() != f.DestIP {
		return false
	}
	if f.DestPort != 0 && int(info.DataPort) != f.DestPort {
		return false
	}
	return true
}

// IsZero reports whether the filter constrains anything.
func (f Filter) IsZero() bool {
	return f.DestIP == "" && f.DestPort == 0
}

// Resolution is the outcome of resolving a target list against the fleet.
type Resolution struct {
	// Matched are the live sensors the targets name, in serial order.
	Matched []Identity
	// Unresolved are targets no live sensor answered for.
	Unresolved []Target
}

// Resolver discovers sensors and maps targets onto them.
type Resolver struct {
	conn   Conn
	window time.Duration
	filter Filter
	log    *zap.Logger
}

// Options tunes a Resolver. A zero Window takes DefaultWindow.
type Options struct {
	Window time.Duration
	Filter Filter
}

func New(conn Conn, opts Options) *Resolver {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Resolver{
		conn:   conn,
		window: opts.Window,
		filter: opts.Filter,
		log:    logging.GetLogger().Named("resolve"),
	}
}

func infoFilter(_ *net.UDPAddr, pkt protocol.Packet) bool {
	return pkt.MsgID == protocol.MsgInfo
}

// commandAddr is where unicast commands go for a sensor that answered
// from ip: its config port, regardless of the reply's source port.
func commandAddr(ip net.IP) *net.UDPAddr {
	return &net.UDPAddr{IP: ip, Port: protocol.SensorConfigPort}
}

// Discover broadcasts read_info over the window and collects every sensor
// that answers and passes the sender filter. Results are deduped by serial
// (latest reply wins) and sorted by serial. The window always runs to
// completion unless ctx is cancelled first.
func (r *Resolver) Discover(ctx context.Context) ([]Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.window)
	defer cancel()

	ch, unsubscribe := r.conn.Subscribe(infoFilter)
	defer unsubscribe()

	probe := protocol.BuildCommand(protocol.OpReadInfo, 0)
	if err := r.conn.Broadcast(probe); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(rebroadcastEvery)
	defer ticker.Stop()

	found := make(map[uint16]Identity)
	for {
		select {
		case <-ctx.Done():
			ids := make([]Identity, 0, len(found))
			for _, id := range found {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i].Serial < ids[j].Serial })
			if err := context.Cause(ctx); err != context.DeadlineExceeded {
				return ids, err
			}
			return ids, nil

		case <-ticker.C:
			if err := r.conn.Broadcast(probe); err != nil {
				r.log.Debug("rebroadcast failed", zap.Error(err))
			}

		case msg, ok := <-ch:
			if !ok {
				return nil, transport.ErrClosed
			}
			info, err := protocol.DecodeInfo(msg.Packet.Payload)
			if err != nil {
				r.log.Debug("bad info payload",
					zap.String("from", msg.Addr.String()), zap.Error(err))
				continue
			}
			if !r.filter.Matches(info) {
				r.log.Debug("sensor filtered out",
					zap.Uint16("serial", info.SensorSN),
					zap.String("dest", info.DestIPString()),
					zap.Uint16("port", info.DataPort))
				continue
			}
			found[info.SensorSN] = Identity{
				Serial:       info.SensorSN,
				Addr:         commandAddr(msg.Addr.IP),
				Info:         info,
				DiscoveredAt: time.Now(),
			}
		}
	}
}

// Probe asks one sensor at ip directly for its info, bounded by the
// resolver window. Used for IP targets that did not answer the broadcast.
func (r *Resolver) Probe(ctx context.Context, ip net.IP) (Identity, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.window)
	defer cancel()

	ch, unsubscribe := r.conn.Subscribe(func(addr *net.UDPAddr, pkt protocol.Packet) bool {
		return pkt.MsgID == protocol.MsgInfo && addr.IP.Equal(ip)
	})
	defer unsubscribe()

	if err := r.conn.Send(commandAddr(ip), protocol.BuildCommand(protocol.OpReadInfo, 0)); err != nil {
		return Identity{}, false
	}

	select {
	case <-ctx.Done():
		return Identity{}, false
	case msg, ok := <-ch:
		if !ok {
			return Identity{}, false
		}
		info, err := protocol.DecodeInfo(msg.Packet.Payload)
		if err != nil || !r.filter.Matches(info) {
			return Identity{}, false
		}
		return Identity{
			Serial:       info.SensorSN,
			Addr:         commandAddr(msg.Addr.IP),
			Info:         info,
			DiscoveredAt: time.Now(),
		}, true
	}
}

// Resolve maps targets onto live sensors. "all" expands to the whole
// discovery snapshot; serial targets are looked up in it; IP targets are
// looked up first and probed directly if absent. Targets nothing answers
// for come back in Unresolved rather than failing the rest.
func (r *Resolver) Resolve(ctx context.Context, targets []Target) (Resolution, error) {
	snapshot, err := r.Discover(ctx)
	if err != nil {
		return Resolution{}, err
	}

	bySerial := make(map[uint16]Identity, len(snapshot))
	byIP := make(map[string]Identity, len(snapshot))
	for _, id := range snapshot {
		bySerial[id.Serial] = id
		byIP[id.Addr.IP.String()] = id
	}

	var res Resolution
	matched := make(map[uint16]bool)
	add := func(id Identity) {
		if !matched[id.Serial] {
			matched[id.Serial] = true
			res.Matched = append(res.Matched, id)
		}
	}

	for _, tgt := range targets {
		switch tgt.Kind {
		case TargetAll:
			for _, id := range snapshot {
				add(id)
			}

		case TargetSerial:
			id, ok := bySerial[tgt.Serial]
			if !ok {
				res.Unresolved = append(res.Unresolved, tgt)
				continue
			}
			add(id)

		case TargetIP:
			if id, ok := byIP[tgt.IP.String()]; ok {
				add(id)
				continue
			}
			id, ok := r.Probe(ctx, tgt.IP)
			if !ok {
				res.Unresolved = append(res.Unresolved, tgt)
				continue
			}
			add(id)
		}
	}

	sort.Slice(res.Matched, func(i, j int) bool {
		return res.Matched[i].Serial < res.Matched[j].Serial
	})
	return res, nil
}
