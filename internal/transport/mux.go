package transport

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/protocol"
)

var ErrClosed = fmt.Errorf("transport: mux is closed")

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing packets rather than stalling the
// receive loop.
const subscriberBuffer = 16

// Message is one inbound datagram after framing has been stripped.
type Message struct {
	Addr   *net.UDPAddr
	Packet protocol.Packet
}

// FilterFunc decides whether a subscriber wants a given inbound message.
// Filters run on the receive loop goroutine and must not block.
type FilterFunc func(addr *net.UDPAddr, pkt protocol.Packet) bool

type subscriber struct {
	filter FilterFunc
	ch     chan Message
}

// Mux owns the two UDP sockets of a host session: the data socket, which
// sensors answer to and the receive loop reads, and the command socket,
// which all sends and broadcasts go out on. Multiple clients subscribe for
// the inbound packets they care about; the receive loop fans each parsed
// datagram out to every matching subscriber.
type Mux struct {
	dataConn *net.UDPConn
	cmdConn  *net.UDPConn

	broadcast *net.UDPAddr

	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	sendMu       sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	log *zap.Logger
}

// Options configures the sockets a Mux binds.
type Options struct {
	// HostIP is the local address to bind. Empty binds all interfaces.
	HostIP string
	// DataPort is the local port sensors send replies to. It must match
	// the destination port the sensors are configured with; zero binds an
	// ephemeral port. Callers normally pass protocol.DefaultDataPort.
	DataPort int
	// BroadcastIP is the destination for Broadcast sends.
	BroadcastIP string
}

func (o *Options) withDefaults() Options {
	out := Options{HostIP: o.HostIP, DataPort: o.DataPort, BroadcastIP: o.BroadcastIP}
	if out.BroadcastIP == "" {
		out.BroadcastIP = "255.255.255.255"
	}
	return out
}

// NewMux binds the data and command sockets and returns a Mux ready for
// Run. The data socket listens on opts.DataPort; the command socket takes
// an ephemeral local port and is used for unicast and broadcast sends.
func NewMux(opts Options) (*Mux, error) {
	opts = opts.withDefaults()

	host := opts.HostIP
	var hostIP net.IP
	if host != "" {
		hostIP = net.ParseIP(host)
		if hostIP == nil {
			return nil, fmt.Errorf("transport: invalid host IP %q", host)
		}
	}

	dataConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: hostIP, Port: opts.DataPort})
	if err != nil {
		return nil, fmt.Errorf("transport: bind data port %d: %w", opts.DataPort, err)
	}

	cmdConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: hostIP, Port: protocol.HostConfigPort})
	if err != nil {
		// The well-known config port may be held by another session on
		// the same host. Fall back to an ephemeral port; sensors reply
		// to the configured destination, not the source port.
		cmdConn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: hostIP})
		if err != nil {
			dataConn.Close()
			return nil, fmt.Errorf("transport: bind command socket: %w", err)
		}
	}

	bcastIP := net.ParseIP(opts.BroadcastIP)
	if bcastIP == nil {
		dataConn.Close()
		cmdConn.Close()
		return nil, fmt.Errorf("transport: invalid broadcast IP %q", opts.BroadcastIP)
	}

	m := &Mux{
		dataConn:    dataConn,
		cmdConn:     cmdConn,
		broadcast:   &net.UDPAddr{IP: bcastIP, Port: protocol.SensorConfigPort},
		subscribers: make(map[string]*subscriber),
		log:         logging.GetLogger().Named("transport"),
	}
	m.log.Debug("sockets bound",
		zap.String("data", dataConn.LocalAddr().String()),
		zap.String("command", cmdConn.LocalAddr().String()))
	return m, nil
}

// LocalDataAddr reports the bound address of the data socket.
func (m *Mux) LocalDataAddr() *net.UDPAddr {
	return m.dataConn.LocalAddr().(*net.UDPAddr)
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a filter for inbound messages and returns the channel
// they arrive on together with a cancel func. Cancel is safe to call more
// than once. A nil filter matches everything.
func (m *Mux) Subscribe(filter FilterFunc) (<-chan Message, func()) {
	if filter == nil {
		filter = func(*net.UDPAddr, protocol.Packet) bool { return true }
	}
	id := randomID()
	sub := &subscriber{filter: filter, ch: make(chan Message, subscriberBuffer)}

	m.subscriberMu.Lock()
	m.subscribers[id] = sub
	m.subscriberMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subscriberMu.Lock()
			defer m.subscriberMu.Unlock()
			if s, ok := m.subscribers[id]; ok {
				close(s.ch)
				delete(m.subscribers, id)
			}
		})
	}
	return sub.ch, cancel
}

// Run reads the data socket until ctx is cancelled or the mux is closed,
// fanning each well-formed datagram out to matching subscribers. Datagrams
// that fail framing checks are logged and dropped.
func (m *Mux) Run(ctx context.Context) error {
	type datagram struct {
		addr *net.UDPAddr
		buf  []byte
	}
	dgramChan := make(chan datagram)
	readErrChan := make(chan error, 1)

	// The blocking ReadFromUDP lives in its own goroutine so the outer
	// loop can await both datagrams and context cancellation.
	go func() {
		defer close(dgramChan)
		for {
			buf := make([]byte, protocol.MaxPacketSize)
			n, addr, err := m.dataConn.ReadFromUDP(buf)
			if err != nil {
				select {
				case readErrChan <- err:
				case <-ctx.Done():
				}
				return
			}
			select {
			case dgramChan <- datagram{addr: addr, buf: buf[:n]}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			m.closingMu.Lock()
			closing := m.closing
			m.closingMu.Unlock()
			if closing {
				return nil
			}
			return err

		case dg, ok := <-dgramChan:
			if !ok {
				return nil
			}
			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			pkt, err := protocol.ParsePacket(dg.buf)
			if err != nil {
				m.log.Debug("dropping malformed datagram",
					zap.String("from", dg.addr.String()),
					zap.Int("bytes", len(dg.buf)),
					zap.Error(err))
				continue
			}
			logging.LogPacket(dg.addr.String(), "recv", dg.buf)

			msg := Message{Addr: dg.addr, Packet: pkt}
			delivered := 0
			m.subscriberMu.Lock()
			for _, sub := range m.subscribers {
				if !sub.filter(dg.addr, pkt) {
					continue
				}
				select {
				case sub.ch <- msg:
					delivered++
				default:
					// subscriber is full; drop rather than stall the loop
				}
			}
			m.subscriberMu.Unlock()
			if delivered == 0 {
				m.log.Debug("unmatched packet dropped",
					zap.String("from", dg.addr.String()),
					zap.String("msg", protocol.MsgIDName(pkt.MsgID)))
			}
		}
	}
}

// Send marshals pkt and sends it to addr over the command socket.
func (m *Mux) Send(addr *net.UDPAddr, pkt protocol.Packet) error {
	return m.write(addr, pkt)
}

// Broadcast marshals pkt and sends it to the broadcast address on the
// sensor config port.
func (m *Mux) Broadcast(pkt protocol.Packet) error {
	return m.write(m.broadcast, pkt)
}

func (m *Mux) write(addr *net.UDPAddr, pkt protocol.Packet) error {
	m.closingMu.Lock()
	if m.closing {
		m.closingMu.Unlock()
		return ErrClosed
	}
	m.closingMu.Unlock()

	buf := pkt.Marshal()

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	n, err := m.cmdConn.WriteToUDP(buf, addr)
	if err != nil {
		return fmt.Errorf("transport: send %s to %s: %w", protocol.MsgIDName(pkt.MsgID), addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("transport: short write to %s: %d of %d bytes", addr, n, len(buf))
	}
	logging.LogPacket(addr.String(), "send", buf)
	return nil
}

// Close shuts both sockets and closes all subscriber channels. Run returns
// nil once the sockets are closed.
func (m *Mux) Close() error {
	m.closingMu.Lock()
	if m.closing {
		m.closingMu.Unlock()
		return nil
	}
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	for id, sub := range m.subscribers {
		close(sub.ch)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()

	err := m.dataConn.Close()
	if cerr := m.cmdConn.Close(); err == nil {
		err = cerr
	}
	return err
}
