package transfer

import "net"

// guard binds a session to the transfer ID of its peer. An unbound guard
// adopts the source of the first packet it sees.
type guard struct {
	tid   *net.UDPAddr
	bound bool
}

func newGuard(peer *net.UDPAddr, bound bool) *guard {
	return &guard{tid: peer, bound: bound}
}

// Accept reports whether src belongs to the session, binding the guard on
// first use.
func (g *guard) Accept(src *net.UDPAddr) bool {
	if !g.bound {
		g.tid = &net.UDPAddr{IP: src.IP, Port: src.Port, Zone: src.Zone}
		g.bound = true
		return true
	}
	return g.tid.Port == src.Port && g.tid.IP.Equal(src.IP)
}

func (g *guard) TID() *net.UDPAddr {
	return g.tid
}
