package transfer

import (
	"io"

	"pack.ag/tftp/netascii"

	"github.com/Pablu23/tftp/internal/common"
)

type flusher interface {
	Flush() error
}

// encodeReader converts local bytes to the wire form of mode. The returned
// closer must be called to release the conversion goroutine.
func encodeReader(mode string, r io.Reader) (io.Reader, func()) {
	if mode != common.ModeNetascii {
		return r, func() {}
	}
	pr, pw := io.Pipe()
	go func() {
		var enc io.Writer = netascii.NewWriter(pw)
		_, err := io.Copy(enc, r)
		if f, ok := enc.(flusher); ok && err == nil {
			err = f.Flush()
		}
		pw.CloseWithError(err)
	}()
	return pr, func() { pr.Close() }
}

// decodeWriter converts wire bytes of mode back to local bytes. Close waits
// until everything written has reached w and reports its error.
func decodeWriter(mode string, w io.Writer) io.WriteCloser {
	if mode != common.ModeNetascii {
		return nopWriteCloser{w}
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(w, netascii.NewReader(pr))
		pr.CloseWithError(err)
		done <- err
	}()
	return &pipeDecoder{pw: pw, done: done}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type pipeDecoder struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
	err    error
}

func (d *pipeDecoder) Write(p []byte) (int, error) {
	return d.pw.Write(p)
}

func (d *pipeDecoder) Close() error {
	if d.closed {
		return d.err
	}
	d.closed = true
	d.pw.Close()
	d.err = <-d.done
	return d.err
}
