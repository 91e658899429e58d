// Package transfer drives single TFTP transfers: the stop-and-wait
// DATA/ACK exchange, timeouts and retransmission, duplicate handling and
// transfer ID validation.
package transfer

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
)

type State int

const (
	AwaitingFirstResponse State = iota
	Transferring
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case AwaitingFirstResponse:
		return "AwaitingFirstResponse"
	case Transferring:
		return "Transferring"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	}
	return "Unknown"
}

// Session is the state of one transfer. It is owned by a single goroutine.
type Session struct {
	conn  *net.UDPConn
	peer  *net.UDPAddr
	guard *guard
	cfg   Config
	log   *log.Entry

	state    State
	lastSent []byte
	lastPck  common.Packet
	retries  int
	buf      []byte
	stats    *Stats
}

// newSession creates a session talking to peer. A responder knows the
// peer TID from the request; a requester learns it from the first response.
func newSession(conn *net.UDPConn, peer *net.UDPAddr, bound bool, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		conn:  conn,
		peer:  peer,
		guard: newGuard(peer, bound),
		cfg:   cfg,
		buf:   make([]byte, common.ReceiveBufSize),
		stats: newStats(),
	}
	s.log = cfg.Log.WithFields(log.Fields{
		"Local": conn.LocalAddr().String(),
		"Peer":  peer.String(),
	})
	if bound {
		s.state = Transferring
	}
	return s
}

func (s *Session) State() State {
	return s.state
}

// send transmits p and remembers it for retransmission.
func (s *Session) send(p common.Packet) error {
	b := p.ToBytes()
	if _, err := s.conn.WriteToUDP(b, s.peer); err != nil {
		return errors.Wrapf(err, "sending %v", p.Opcode())
	}
	s.lastSent = b
	s.lastPck = p
	return nil
}

// transmit sends p once without making it the retransmission candidate.
func (s *Session) transmit(p common.Packet) error {
	if _, err := s.conn.WriteToUDP(p.ToBytes(), s.peer); err != nil {
		return errors.Wrapf(err, "sending %v", p.Opcode())
	}
	return nil
}

func (s *Session) resend() error {
	if _, err := s.conn.WriteToUDP(s.lastSent, s.peer); err != nil {
		return errors.Wrapf(err, "resending %v", s.lastPck.Opcode())
	}
	switch p := s.lastPck.(type) {
	case *common.Data:
		s.stats.retransmitted(p.Block)
	case *common.Ack:
		s.stats.retransmitted(p.Block)
	default:
		s.stats.Retransmits++
	}
	return nil
}

// fail aborts without telling the peer.
func (s *Session) fail(err error) error {
	s.state = Aborted
	return err
}

// abort reports pe to the peer, then aborts with pe.
func (s *Session) abort(pe *common.ProtocolError) error {
	s.report(pe)
	return pe
}

// report sends pe to the peer and marks the session aborted. Callers
// return their own error.
func (s *Session) report(pe *common.ProtocolError) {
	s.state = Aborted
	if err := s.transmit(pe.Packet()); err != nil {
		s.log.WithError(err).Warn("Could not send error packet")
	}
	s.log.WithFields(log.Fields{
		"Code":    pe.Code,
		"Message": pe.Message,
	}).Warn("Aborting transfer")
}

func (s *Session) rejectForeign(src *net.UDPAddr) {
	s.stats.Rejected++
	s.log.WithField("Source", src.String()).Warn("Packet from unknown transfer ID")
	pck := common.NewError(common.UnknownTransferID, "")
	if _, err := s.conn.WriteToUDP(pck.ToBytes(), src); err != nil {
		s.log.WithError(err).Warn("Could not answer unknown transfer ID")
	}
}

// await blocks until the packet of kind expect carrying block arrives.
// Stale blocks are handed to onStale, if set, and otherwise ignored.
func (s *Session) await(ctx context.Context, expect common.Opcode, block uint16, onStale func(uint16) error) (common.Packet, error) {
	deadline := time.Now().Add(s.cfg.Timeout)
	for {
		readDeadline := deadline
		if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
			readDeadline = d
		}
		if err := s.conn.SetReadDeadline(readDeadline); err != nil {
			return nil, s.fail(errors.Wrap(err, "setting read deadline"))
		}

		n, src, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			if e, ok := err.(net.Error); !ok || !e.Timeout() {
				return nil, s.fail(errors.Wrap(err, "receiving"))
			}
			if d, ok := ctx.Deadline(); ctx.Err() != nil || ok && !time.Now().Before(d) {
				err := ctx.Err()
				if err == nil {
					err = context.DeadlineExceeded
				}
				return nil, s.fail(err)
			}
			s.retries++
			if s.retries >= s.cfg.MaxRetries {
				s.log.WithFields(log.Fields{
					"Expected": expect,
					"Block":    block,
					"Timeouts": s.retries,
				}).Error("Connection lost")
				return nil, s.fail(errors.Wrapf(common.ErrConnectionLost, "no %v %d after %d timeouts", expect, block, s.retries))
			}
			s.log.WithFields(log.Fields{
				"Expected": expect,
				"Block":    block,
				"Timeouts": s.retries,
			}).Warn("Receive timed out, resending")
			if err := s.resend(); err != nil {
				return nil, s.fail(err)
			}
			deadline = time.Now().Add(s.cfg.Timeout)
			continue
		}

		first := s.state == AwaitingFirstResponse
		if !s.guard.Accept(src) {
			s.rejectForeign(src)
			continue
		}

		pck, err := common.PacketFromBytes(s.buf[:n])
		if err != nil {
			if first {
				s.log.WithError(err).WithField("Source", src.String()).Error("Undecodable first response")
				return nil, s.fail(errors.Wrap(common.ErrDecodeFailure, err.Error()))
			}
			return nil, s.abort(common.NewProtocolError(common.IllegalOperation, "%v", err))
		}
		if first {
			s.peer = s.guard.TID()
			s.state = Transferring
			s.log = s.log.WithField("Peer", s.peer.String())
			s.log.Debug("Bound transfer ID")
		}

		var got uint16
		switch p := pck.(type) {
		case *common.Error:
			s.log.WithFields(log.Fields{
				"Code":    p.Code,
				"Message": p.Message,
			}).Warn("Received error packet")
			return nil, s.fail(&common.ProtocolError{Code: p.Code, Message: p.Message, Remote: true})
		case *common.Data:
			if expect != common.DATA {
				return nil, s.abort(unexpected(expect, pck))
			}
			got = p.Block
		case *common.Ack:
			if expect != common.ACK {
				return nil, s.abort(unexpected(expect, pck))
			}
			got = p.Block
		case *common.ReadRequest, *common.WriteRequest:
			return nil, s.abort(unexpected(expect, pck))
		}

		switch {
		case got == block:
			s.retries = 0
			return pck, nil
		case got < block:
			s.stats.Duplicates++
			s.log.WithFields(log.Fields{
				"Expected": block,
				"Received": got,
				"Type":     expect,
			}).Debug("Discarding duplicate")
			if onStale != nil {
				if err := onStale(got); err != nil {
					return nil, s.fail(err)
				}
			}
		default:
			return nil, s.abort(common.NewProtocolError(common.IllegalOperation,
				"invalid block number: expected %v %d, received %d", expect, block, got))
		}
	}
}

func unexpected(expect common.Opcode, got common.Packet) *common.ProtocolError {
	return common.NewProtocolError(common.IllegalOperation,
		"expected %v packet, received %v packet", expect, got.Opcode())
}

func (s *Session) finish(err error) (*Stats, error) {
	s.stats.finish()
	if err == nil {
		s.state = Completed
		s.log.WithFields(log.Fields{
			"Blocks":      s.stats.Blocks,
			"Bytes":       s.stats.Bytes,
			"Retransmits": s.stats.Retransmits,
		}).Info("Transfer complete")
		return s.stats, nil
	}
	s.state = Aborted
	return s.stats, err
}
