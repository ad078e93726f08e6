package resolve

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/transport"
)

// fakeConn is an in-memory Conn. Broadcasts and sends are handed to the
// handler; its replies are fanned out to matching subscribers.
type fakeConn struct {
	mu         sync.Mutex
	broadcasts int
	subs       map[int]*fakeSub
	nextID     int
	handler    func(unicastTo *net.UDPAddr, pkt protocol.Packet) []transport.Message
}

type fakeSub struct {
	filter transport.FilterFunc
	ch     chan transport.Message
}

func newFakeConn(handler func(*net.UDPAddr, protocol.Packet) []transport.Message) *fakeConn {
	return &fakeConn{subs: make(map[int]*fakeSub), handler: handler}
}

func (f *fakeConn) Subscribe(filter transport.FilterFunc) (<-chan transport.Message, func()) {
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

func (f *fakeConn) Send(addr *net.UDPAddr, pkt protocol.Packet) error {
	f.dispatch(addr, pkt)
	return nil
}

func (f *fakeConn) Broadcast(pkt protocol.Packet) error {
	f.mu.Lock()
	f.broadcasts++
	f.mu.Unlock()
	f.dispatch(nil, pkt)
	return nil
}

func (f *fakeConn) dispatch(to *net.UDPAddr, pkt protocol.Packet) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return
	}
	for _, msg := range handler(to, pkt) {
		f.mu.Lock()
		for _, sub := range f.subs {
			if sub.filter(msg.Addr, msg.Packet) {
				select {
				case sub.ch <- msg:
				default:
				}
			}
		}
		f.mu.Unlock()
	}
}

func (f *fakeConn) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

// sensor describes one fake sensor for building info replies.
type sensor struct {
	serial   uint16
	ip       net.IP
	destIP   [4]byte
	dataPort uint16
	locked   bool
}

func (s sensor) infoMessage() transport.Message {
	payload := make([]byte, protocol.InfoPayloadSize)
	binary.LittleEndian.PutUint16(payload[0:2], s.serial)
	copy(payload[101:105], s.destIP[:])
	binary.LittleEndian.PutUint16(payload[113:115], s.dataPort)
	if s.locked {
		payload[165] = 1
	}
	return transport.Message{
		Addr:   &net.UDPAddr{IP: s.ip, Port: protocol.SensorConfigPort},
		Packet: protocol.Packet{MsgID: protocol.MsgInfo, Payload: payload},
	}
}

// respondToBroadcast answers every read_info broadcast with the given
// sensors' info packets; unicast sends get nothing.
func respondToBroadcast(sensors ...sensor) func(*net.UDPAddr, protocol.Packet) []transport.Message {
	return func(to *net.UDPAddr, pkt protocol.Packet) []transport.Message {
		if to != nil || pkt.MsgID != protocol.MsgCommand {
			return nil
		}
		msgs := make([]transport.Message, 0, len(sensors))
		for _, s := range sensors {
			msgs = append(msgs, s.infoMessage())
		}
		return msgs
	}
}

func TestParseTargets(t *testing.T) {
	tests := []struct {
		name        string
		tokens      []string
		wantTargets int
		wantInvalid int
	}{
		{"all", []string{"all"}, 1, 0},
		{"short form a", []string{"a"}, 1, 0},
		{"a and all collapse", []string{"a", "all"}, 1, 0},
		{"serial and ip", []string{"123", "192.168.5.200"}, 2, 0},
		{"duplicates collapsed", []string{"123", "123", "all", "all"}, 2, 0},
		{"serial out of range", []string{"70000"}, 0, 1},
		{"negative serial", []string{"-1"}, 0, 1},
		{"garbage kept separate from valid", []string{"banana", "42"}, 1, 1},
		{"ipv6 rejected", []string{"::1"}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, invalid := ParseTargets(tt.tokens)
			if len(targets) != tt.wantTargets {
				t.Errorf("targets = %d, want %d", len(targets), tt.wantTargets)
			}
			if len(invalid) != tt.wantInvalid {
				t.Errorf("invalid = %d, want %d", len(invalid), tt.wantInvalid)
			}
		})
	}
}

func TestParseTargetsShortWildcard(t *testing.T) {
	targets, invalid := ParseTargets([]string{"a"})
	if len(invalid) != 0 {
		t.Fatalf("invalid = %v, want none", invalid)
	}
	if len(targets) != 1 || targets[0].Kind != TargetAll {
		t.Fatalf("targets = %v, want the wildcard", targets)
	}
}

func TestFilterMatches(t *testing.T) {
	var info protocol.Info
	info.DestIP = [4]byte{192, 168, 5, 2}
	info.DataPort = 7256

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter matches all", Filter{}, true},
		{"ip and port match", Filter{DestIP: "192.168.5.2", DestPort: 7256}, true},
		{"ip only match", Filter{DestIP: "192.168.5.2"}, true},
		{"port only match", Filter{DestPort: 7256}, true},
		{"ip mismatch", Filter{DestIP: "192.168.5.3", DestPort: 7256}, false},
		{"port mismatch", Filter{DestIP: "192.168.5.2", DestPort: 9999}, false},
		{"port only mismatch", Filter{DestPort: 9999}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(info); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiscoverCollectsAndDedupes(t *testing.T) {
	a := sensor{serial: 100, ip: net.IPv4(192, 168, 5, 10), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	b := sensor{serial: 200, ip: net.IPv4(192, 168, 5, 11), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	// a answers twice; the rebroadcasts produce duplicates too
	conn := newFakeConn(respondToBroadcast(b, a, a))

	r := New(conn, Options{Window: 150 * time.Millisecond})
	ids, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(ids) != 2 {
		t.Fatalf("identities = %d, want 2", len(ids))
	}
	if ids[0].Serial != 100 || ids[1].Serial != 200 {
		t.Errorf("serials = %d,%d, want 100,200 (sorted)", ids[0].Serial, ids[1].Serial)
	}
	if ids[0].Addr.Port != protocol.SensorConfigPort {
		t.Errorf("command port = %d, want %d", ids[0].Addr.Port, protocol.SensorConfigPort)
	}
}

func TestDiscoverRebroadcastsWithinWindow(t *testing.T) {
	conn := newFakeConn(nil)
	r := New(conn, Options{Window: 500 * time.Millisecond})
	if _, err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := conn.broadcastCount(); got < 2 {
		t.Errorf("broadcasts = %d, want at least 2 over a 500ms window", got)
	}
}

func TestDiscoverAppliesSenderFilter(t *testing.T) {
	mine := sensor{serial: 1, ip: net.IPv4(192, 168, 5, 10), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	otherHost := sensor{serial: 2, ip: net.IPv4(192, 168, 5, 11), destIP: [4]byte{192, 168, 5, 3}, dataPort: 7256}
	otherPort := sensor{serial: 3, ip: net.IPv4(192, 168, 5, 12), destIP: [4]byte{192, 168, 5, 2}, dataPort: 9999}
	conn := newFakeConn(respondToBroadcast(mine, otherHost, otherPort))

	r := New(conn, Options{
		Window: 150 * time.Millisecond,
		Filter: Filter{DestIP: "192.168.5.2", DestPort: 7256},
	})
	ids, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(ids) != 1 || ids[0].Serial != 1 {
		t.Fatalf("got %d identities, want exactly the one sending to this host (serial 1)", len(ids))
	}
}

func TestResolveTargets(t *testing.T) {
	a := sensor{serial: 100, ip: net.IPv4(192, 168, 5, 10), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	b := sensor{serial: 200, ip: net.IPv4(192, 168, 5, 11), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	conn := newFakeConn(respondToBroadcast(a, b))

	r := New(conn, Options{Window: 150 * time.Millisecond})

	targets, invalid := ParseTargets([]string{"200", "999", "192.168.5.10"})
	if len(invalid) != 0 {
		t.Fatalf("invalid tokens: %v", invalid)
	}

	res, err := r.Resolve(context.Background(), targets)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(res.Matched) != 2 {
		t.Fatalf("matched = %d, want 2", len(res.Matched))
	}
	if res.Matched[0].Serial != 100 || res.Matched[1].Serial != 200 {
		t.Errorf("matched serials = %d,%d, want 100,200", res.Matched[0].Serial, res.Matched[1].Serial)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0].Serial != 999 {
		t.Errorf("unresolved = %v, want serial 999", res.Unresolved)
	}
}

func TestResolveAllExpandsSnapshot(t *testing.T) {
	a := sensor{serial: 100, ip: net.IPv4(192, 168, 5, 10), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	b := sensor{serial: 200, ip: net.IPv4(192, 168, 5, 11), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	conn := newFakeConn(respondToBroadcast(a, b))

	r := New(conn, Options{Window: 150 * time.Millisecond})
	targets, _ := ParseTargets([]string{"all"})
	res, err := r.Resolve(context.Background(), targets)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Matched) != 2 || len(res.Unresolved) != 0 {
		t.Fatalf("matched=%d unresolved=%d, want 2/0", len(res.Matched), len(res.Unresolved))
	}
}

func TestResolveProbesSilentIPTarget(t *testing.T) {
	hidden := sensor{serial: 300, ip: net.IPv4(192, 168, 5, 30), destIP: [4]byte{192, 168, 5, 2}, dataPort: 7256}
	// Never answers broadcasts; answers a unicast read_info probe only.
	conn := newFakeConn(func(to *net.UDPAddr, pkt protocol.Packet) []transport.Message {
		if to != nil && to.IP.Equal(hidden.ip) {
			return []transport.Message{hidden.infoMessage()}
		}
		return nil
	})

	r := New(conn, Options{Window: 150 * time.Millisecond})
	targets, _ := ParseTargets([]string{"192.168.5.30"})
	res, err := r.Resolve(context.Background(), targets)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Matched) != 1 || res.Matched[0].Serial != 300 {
		t.Fatalf("matched = %v, want the probed sensor", res.Matched)
	}
}
