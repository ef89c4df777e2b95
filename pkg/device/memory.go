package device

import (
	"fmt"
	"io"
	"sync"
)

// memBacking is a fixed-size byte slice behaving like a file.
type memBacking struct {
	mu   sync.RWMutex
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("%w: write %d+%d beyond %d bytes", ErrOutOfRange, off, len(p), len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// NewMemory creates a RAM-backed flash device with every block erased.
func NewMemory(geometry Geometry, blocks uint32, parts ...Partition) (*Flash, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	data := make([]byte, int(blocks)*geometry.BlockBytes())
	for i := range data {
		data[i] = ErasedByte
	}
	return newFlash(&memBacking{data: data}, geometry, blocks, parts)
}
