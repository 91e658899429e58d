package transfer

import (
	"context"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/store"
)

// receiveInto writes DATA blocks starting at block 1 to w, acknowledging
// each. The final ACK is sent once and not awaited.
func (s *Session) receiveInto(ctx context.Context, w io.Writer) error {
	expected := uint16(1)
	for {
		pck, err := s.await(ctx, common.DATA, expected, s.reack(expected))
		if err != nil {
			return err
		}
		data := pck.(*common.Data)

		if _, err := w.Write(data.Payload); err != nil {
			s.log.WithError(err).WithField("Block", data.Block).Error("Unable to write block")
			return s.abort(writeFailure(err))
		}
		s.stats.add(data.Payload)

		ack := &common.Ack{Block: expected}
		if data.IsLast() {
			if err := s.transmit(ack); err != nil {
				return s.fail(err)
			}
			return nil
		}
		if expected == common.MaxBlock {
			s.report(common.NewProtocolError(common.Undefined, "file too large"))
			return errors.Wrapf(common.ErrTransferTooLarge, "%d blocks received", s.stats.Blocks)
		}
		if err := s.send(ack); err != nil {
			return s.fail(err)
		}
		expected++
	}
}

// reack repeats the ACK of the block just acknowledged when the peer
// resends it, in case that ACK was lost. Older duplicates are ignored.
func (s *Session) reack(expected uint16) func(uint16) error {
	return func(block uint16) error {
		if block == 0 || block != expected-1 {
			return nil
		}
		s.log.WithField("Block", block).Debug("Repeating ACK for duplicate DATA")
		return s.transmit(&common.Ack{Block: block})
	}
}

func writeFailure(err error) *common.ProtocolError {
	if errors.Is(err, syscall.ENOSPC) {
		return common.NewProtocolError(common.DiskFull, "")
	}
	return store.ProtocolErrorFor(err)
}

// ServeWrite answers a WRQ from peer with ACK(0) and writes the received
// data to w.
func ServeWrite(ctx context.Context, conn *net.UDPConn, peer *net.UDPAddr, w io.Writer, cfg Config) (*Stats, error) {
	s := newSession(conn, peer, true, cfg)
	dst := decodeWriter(s.cfg.Mode, w)

	if err := s.send(&common.Ack{Block: 0}); err != nil {
		dst.Close()
		return s.finish(s.fail(err))
	}
	return s.finish(s.closeWith(dst, s.receiveInto(ctx, dst)))
}

// Read fetches filename from the server at addr into w. The server's
// transfer ID is learned from its first DATA.
func Read(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, filename string, w io.Writer, cfg Config) (*Stats, error) {
	s := newSession(conn, addr, false, cfg)
	s.log = s.log.WithField("File", filename)
	dst := decodeWriter(s.cfg.Mode, w)

	if err := s.send(&common.ReadRequest{Filename: filename, Mode: s.cfg.Mode}); err != nil {
		dst.Close()
		return s.finish(s.fail(err))
	}
	return s.finish(s.closeWith(dst, s.receiveInto(ctx, dst)))
}

func (s *Session) closeWith(dst io.Closer, err error) error {
	cerr := dst.Close()
	if err != nil {
		return err
	}
	if cerr != nil {
		s.log.WithError(cerr).Error("Unable to flush received data")
		return s.fail(errors.Wrap(cerr, "flushing received data"))
	}
	return nil
}
