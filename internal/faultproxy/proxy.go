// Package faultproxy relays one TFTP session between a client and a server
// and damages selected packets on the way: it loses, delays, duplicates or
// corrupts them, or replays them from a stray port.
package faultproxy

import (
	"net"
	"sync"
	"time"

	"github.com/kelindar/bitmap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
)

type Direction int

const (
	FromClient Direction = iota
	FromServer
)

func (d Direction) String() string {
	if d == FromClient {
		return "client"
	}
	return "server"
}

// Event is one datagram received by the proxy and the fault applied to it.
type Event struct {
	Dir    Direction
	Raw    []byte
	Packet common.Packet
	Fault  Action
	At     time.Time
}

type Options struct {
	// Address the proxy and its relay sockets bind to.
	Address string
	// Port clients send their request to. 0 picks a free one.
	Port int
	Log  *log.Entry
}

func NewDefaultOptions() *Options {
	return &Options{
		Address: "127.0.0.1",
		Port:    0,
		Log:     log.NewEntry(log.StandardLogger()),
	}
}

type Proxy struct {
	server *net.UDPAddr
	rules  []Rule
	log    *log.Entry

	clientSide *net.UDPConn
	serverSide *net.UDPConn
	stray      *net.UDPConn

	mu        sync.Mutex
	fired     bitmap.Bitmap
	client    *net.UDPAddr
	serverTID *net.UDPAddr
	trace     []Event
	stranded  []common.Packet
	closed    bool

	wg sync.WaitGroup
}

// New opens the proxy sockets. Requests sent to Addr are relayed to the
// server at server; rules are consulted in order and each fires at most once.
func New(server *net.UDPAddr, rules []Rule, opts ...func(*Options)) (*Proxy, error) {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Log == nil {
		options.Log = log.NewEntry(log.StandardLogger())
	}

	ip := net.ParseIP(options.Address)
	if ip == nil {
		return nil, errors.Errorf("invalid proxy address %q", options.Address)
	}

	p := &Proxy{
		server: server,
		rules:  rules,
		log:    options.Log.WithField("Server", server.String()),
	}

	var err error
	if p.clientSide, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: options.Port}); err != nil {
		return nil, errors.Wrap(err, "opening client side")
	}
	if p.serverSide, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip}); err != nil {
		p.clientSide.Close()
		return nil, errors.Wrap(err, "opening server side")
	}
	if p.stray, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip}); err != nil {
		p.clientSide.Close()
		p.serverSide.Close()
		return nil, errors.Wrap(err, "opening stray socket")
	}
	return p, nil
}

// Addr is where clients send their request.
func (p *Proxy) Addr() *net.UDPAddr {
	return p.clientSide.LocalAddr().(*net.UDPAddr)
}

// Start relays packets in background goroutines until Close.
func (p *Proxy) Start() {
	p.log.WithFields(log.Fields{
		"Address": p.Addr().String(),
		"Rules":   len(p.rules),
	}).Info("Proxy started")
	p.wg.Add(3)
	go p.relay(p.clientSide, FromClient)
	go p.relay(p.serverSide, FromServer)
	go p.collectStray()
}

func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, conn := range []*net.UDPConn{p.clientSide, p.serverSide, p.stray} {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "closing proxy")
	}
	return nil
}

// Trace returns every datagram received so far, in arrival order.
func (p *Proxy) Trace() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.trace...)
}

// Count returns how many datagrams matching t arrived from dir.
func (p *Proxy) Count(dir Direction, t Target) int {
	n := 0
	for _, e := range p.Trace() {
		if e.Dir == dir && t.Matches(e.Raw) {
			n++
		}
	}
	return n
}

// StrayReplies returns the packets answered to the stray socket.
func (p *Proxy) StrayReplies() []common.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]common.Packet(nil), p.stranded...)
}

// Fired reports whether rule i has been applied.
func (p *Proxy) Fired(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fired.Contains(uint32(i))
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) relay(conn *net.UDPConn, dir Direction) {
	defer p.wg.Done()
	buf := make([]byte, common.ReceiveBufSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if p.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.WithError(err).Warn("Proxy receive failed")
			continue
		}
		raw := append([]byte(nil), buf[:n]...)

		out, to, ok := p.route(dir, src, raw)
		if !ok {
			p.log.WithFields(log.Fields{
				"Direction": dir,
				"Source":    src.String(),
			}).Debug("Dropping packet outside the relayed session")
			continue
		}
		rule, fired := p.record(dir, raw)
		p.apply(rule, fired, raw, out, to)
	}
}

// route picks the socket and destination for a packet from src. The first
// client and the first server transfer ID seen are the session. Requests
// always go to the server's request port.
func (p *Proxy) route(dir Direction, src *net.UDPAddr, raw []byte) (*net.UDPConn, *net.UDPAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dir == FromClient {
		if p.client == nil {
			p.client = src
		} else if !sameAddr(p.client, src) {
			return nil, nil, false
		}
		if p.serverTID != nil && !Request().Matches(raw) {
			return p.serverSide, p.serverTID, true
		}
		return p.serverSide, p.server, true
	}

	if p.serverTID == nil {
		p.serverTID = src
		p.log.WithField("TID", src.String()).Debug("Learned server transfer ID")
	} else if !sameAddr(p.serverTID, src) {
		return nil, nil, false
	}
	if p.client == nil {
		return nil, nil, false
	}
	return p.clientSide, p.client, true
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// record appends raw to the trace and claims the first unfired rule matching it.
func (p *Proxy) record(dir Direction, raw []byte) (Rule, bool) {
	pck, _ := common.PacketFromBytes(raw)
	e := Event{Dir: dir, Raw: raw, Packet: pck, At: time.Now()}

	p.mu.Lock()
	defer p.mu.Unlock()
	var rule Rule
	fired := false
	for i, r := range p.rules {
		if p.fired.Contains(uint32(i)) || !r.Target.Matches(raw) {
			continue
		}
		p.fired.Set(uint32(i))
		rule, fired = r, true
		e.Fault = r.Action
		break
	}
	p.trace = append(p.trace, e)
	return rule, fired
}

func (p *Proxy) apply(rule Rule, fired bool, raw []byte, out *net.UDPConn, to *net.UDPAddr) {
	if !fired {
		p.send(out, raw, to)
		return
	}

	entry := p.log.WithFields(log.Fields{
		"Rule":        rule.String(),
		"Destination": to.String(),
	})
	entry.Info("Applying fault")

	switch rule.Action {
	case Lose:
	case Delay:
		p.wg.Add(1)
		time.AfterFunc(rule.Delay, func() {
			defer p.wg.Done()
			if !p.isClosed() {
				p.send(out, raw, to)
			}
		})
	case Duplicate:
		p.send(out, raw, to)
		p.send(out, raw, to)
	case Corrupt:
		p.send(out, corrupt(raw, rule.Corruption), to)
	case WrongTID:
		p.send(out, raw, to)
		p.send(p.stray, raw, to)
	default:
		p.send(out, raw, to)
	}
}

func (p *Proxy) send(conn *net.UDPConn, b []byte, to *net.UDPAddr) {
	if _, err := conn.WriteToUDP(b, to); err != nil && !p.isClosed() {
		p.log.WithError(err).WithField("Destination", to.String()).Warn("Proxy send failed")
	}
}

func (p *Proxy) collectStray() {
	defer p.wg.Done()
	buf := make([]byte, common.ReceiveBufSize)
	for {
		n, src, err := p.stray.ReadFromUDP(buf)
		if err != nil {
			if p.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		pck, err := common.PacketFromBytes(buf[:n])
		if err != nil {
			p.log.WithError(err).Warn("Undecodable reply to stray socket")
			continue
		}
		p.log.WithFields(log.Fields{
			"Source": src.String(),
			"Type":   pck.Opcode(),
		}).Info("Reply to stray socket")
		p.mu.Lock()
		p.stranded = append(p.stranded, pck)
		p.mu.Unlock()
	}
}
