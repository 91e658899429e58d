package transfer

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/store"
)

// sendFrom streams r as DATA blocks starting at block 1, awaiting the ACK of
// each before reading the next.
func (s *Session) sendFrom(ctx context.Context, r io.Reader) error {
	buf := make([]byte, common.BlockSize)
	block := uint16(1)
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.log.WithError(err).Error("Unable to read source")
			return s.abort(store.ProtocolErrorFor(err))
		}

		data := &common.Data{Block: block, Payload: buf[:n]}
		if err := s.send(data); err != nil {
			return s.fail(err)
		}
		if _, err := s.await(ctx, common.ACK, block, nil); err != nil {
			return err
		}
		s.stats.add(buf[:n])

		if n < common.BlockSize {
			return nil
		}
		if block == common.MaxBlock {
			s.report(common.NewProtocolError(common.Undefined, "file too large"))
			return errors.Wrapf(common.ErrTransferTooLarge, "%d blocks sent", s.stats.Blocks)
		}
		block++
	}
}

// ServeRead answers an RRQ from peer by sending r.
func ServeRead(ctx context.Context, conn *net.UDPConn, peer *net.UDPAddr, r io.Reader, cfg Config) (*Stats, error) {
	s := newSession(conn, peer, true, cfg)
	src, release := encodeReader(s.cfg.Mode, r)
	defer release()
	return s.finish(s.sendFrom(ctx, src))
}

// Write sends r to the server at addr under filename. The server's transfer
// ID is learned from its ACK(0).
func Write(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, filename string, r io.Reader, cfg Config) (*Stats, error) {
	s := newSession(conn, addr, false, cfg)
	s.log = s.log.WithField("File", filename)

	if err := s.send(&common.WriteRequest{Filename: filename, Mode: s.cfg.Mode}); err != nil {
		return s.finish(s.fail(err))
	}
	if _, err := s.await(ctx, common.ACK, 0, nil); err != nil {
		return s.finish(err)
	}

	src, release := encodeReader(s.cfg.Mode, r)
	defer release()
	return s.finish(s.sendFrom(ctx, src))
}
