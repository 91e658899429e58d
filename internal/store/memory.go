package store

import (
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Memory is a Store held in process memory. A file becomes visible to Open
// once its writer is closed.
type Memory struct {
	mu      sync.RWMutex
	files   map[string][]byte
	pending map[string]bool
	Quota   int64
}

func NewMemory() *Memory {
	return &Memory{
		files:   make(map[string][]byte),
		pending: make(map[string]bool),
	}
}

// Put stores data under name, replacing any previous content.
func (m *Memory) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
}

// Get returns a copy of the content stored under name.
func (m *Memory) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *Memory) Open(name string) (io.ReadCloser, error) {
	data, ok := m.Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Create(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok || m.pending[name] {
		return nil, errors.Wrapf(ErrAlreadyExists, "%q", name)
	}
	m.pending[name] = true
	return &memoryFile{store: m, name: name}, nil
}

func (m *Memory) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	if !ok && !m.pending[name] {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	delete(m.files, name)
	delete(m.pending, name)
	return nil
}

type memoryFile struct {
	store  *Memory
	name   string
	buf    bytes.Buffer
	closed bool
}

func (f *memoryFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errors.New("write on closed file")
	}
	if f.store.Quota > 0 && int64(f.buf.Len()+len(p)) > f.store.Quota {
		return 0, errors.Wrapf(ErrDiskFull, "%q", f.name)
	}
	return f.buf.Write(p)
}

func (f *memoryFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if !f.store.pending[f.name] {
		// removed while being written
		return nil
	}
	delete(f.store.pending, f.name)
	f.store.files[f.name] = f.buf.Bytes()
	return nil
}
