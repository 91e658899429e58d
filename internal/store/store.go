// Package store is the local file collaborator of clients and servers:
// byte streams opened by name below an explicit root.
package store

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
)

var (
	ErrNotFound      = errors.New("file not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrAlreadyExists = errors.New("file already exists")
	ErrDiskFull      = errors.New("disk full")
)

type Store interface {
	// Open returns ErrNotFound or ErrAccessDenied when the file cannot be read.
	Open(name string) (io.ReadCloser, error)
	// Create never truncates: an existing file yields ErrAlreadyExists.
	// Writes past the available space yield ErrDiskFull.
	Create(name string) (io.WriteCloser, error)
	Remove(name string) error
}

// ErrorCodeFor maps a store error onto the TFTP error catalog.
func ErrorCodeFor(err error) common.ErrorCode {
	switch {
	case errors.Is(err, ErrNotFound):
		return common.FileNotFound
	case errors.Is(err, ErrAccessDenied):
		return common.AccessViolation
	case errors.Is(err, ErrAlreadyExists):
		return common.FileAlreadyExists
	case errors.Is(err, ErrDiskFull):
		return common.DiskFull
	default:
		return common.Undefined
	}
}

// ProtocolErrorFor wraps a store error as the ProtocolError reported to peers.
func ProtocolErrorFor(err error) *common.ProtocolError {
	code := ErrorCodeFor(err)
	if code == common.Undefined {
		return common.NewProtocolError(code, "%v", err)
	}
	return common.NewProtocolError(code, "")
}

// Dir is a Store rooted at a directory. Quota, when positive, caps the size
// of every file created through it, simulating the free space left on disk.
type Dir struct {
	root  string
	Quota int64
}

func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolving store root")
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrap(err, "creating store root")
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Wrap(err, "resolving store root")
	}
	return &Dir{root: real}, nil
}

func (d *Dir) Root() string {
	return d.root
}

// path maps name below the root. Symlinks are followed before the check,
// so a link pointing out of the root is refused like "../".
func (d *Dir) path(name string) (string, error) {
	file := filepath.Clean(filepath.Join(d.root, name))
	if !d.contains(file) || !d.contains(resolve(file)) {
		log.WithFields(log.Fields{
			"Root":          d.root,
			"RequestedPath": name,
			"CleanedPath":   file,
		}).Warn("Requesting file out of root")
		return "", errors.Wrapf(ErrAccessDenied, "%q is outside the store root", name)
	}
	return file, nil
}

func (d *Dir) contains(file string) bool {
	rel, err := filepath.Rel(d.root, file)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolve evaluates the symlinks of file, or of its parent when file does
// not exist yet. Paths with no existing parent are returned unchanged.
func resolve(file string) string {
	if real, err := filepath.EvalSymlinks(file); err == nil {
		return real
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(file))
	if err != nil {
		return file
	}
	return filepath.Join(parent, filepath.Base(file))
}

func (d *Dir) Open(name string) (io.ReadCloser, error) {
	file, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, translate(err, name)
	}
	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		f.Close()
		return nil, errors.Wrapf(ErrAccessDenied, "%q is a directory", name)
	}
	return f, nil
}

func (d *Dir) Create(name string) (io.WriteCloser, error) {
	file, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, translate(err, name)
	}
	return &quotaFile{File: f, remaining: d.Quota, limited: d.Quota > 0}, nil
}

func (d *Dir) Remove(name string) error {
	file, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(file); err != nil {
		return translate(err, name)
	}
	return nil
}

func translate(err error, name string) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errors.Wrapf(ErrNotFound, "%q", name)
	case errors.Is(err, os.ErrExist):
		return errors.Wrapf(ErrAlreadyExists, "%q", name)
	case errors.Is(err, os.ErrPermission):
		return errors.Wrapf(ErrAccessDenied, "%q", name)
	case errors.Is(err, syscall.ENOSPC):
		return errors.Wrapf(ErrDiskFull, "%q", name)
	default:
		return errors.Wrapf(err, "%q", name)
	}
}

type quotaFile struct {
	*os.File
	remaining int64
	limited   bool
}

func (f *quotaFile) Write(p []byte) (int, error) {
	if f.limited && int64(len(p)) > f.remaining {
		return 0, errors.Wrapf(ErrDiskFull, "%d bytes requested, %d available", len(p), f.remaining)
	}
	n, err := f.File.Write(p)
	f.remaining -= int64(n)
	if err != nil {
		return n, translate(err, f.Name())
	}
	return n, nil
}
