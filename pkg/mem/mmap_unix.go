//go:build darwin || linux

package mem

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rawbytedev/epsilon/internal/logging"
	"github.com/rawbytedev/epsilon/pkg/layout"
)

// Map is a memory mapped region: a read-only view of a file or an
// anonymous region that is writable until frozen.
type Map struct {
	mu     sync.Mutex
	data   []byte // whole mapping
	length int    // bytes exposed by Bytes
	align  int
	frozen bool
	closed bool
}

// MapFile maps the file at path read-only. The mapping stays valid after
// the file is closed.
func MapFile(path string, flags Flags) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	size := int(st.Size())
	if size == 0 {
		return nil, fmt.Errorf("mapping %s: file is empty", path)
	}

	// explicit huge pages need hugetlbfs for files, so only the mapping
	// flags that apply to any file are passed here
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED|mapFlags(flags&^HugePages))
	if err != nil {
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}
	m := &Map{data: data, length: size, align: os.Getpagesize(), frozen: true}
	m.advise(flags)
	logging.L().Debug().Str("path", path).Int("bytes", size).Msg("mapped file")
	return m, nil
}

// MapAnon maps a zeroed anonymous region of at least size bytes. It is
// writable through Writable until Freeze is called.
func MapAnon(size int, flags Flags) (*Map, error) {
	if size <= 0 {
		return nil, fmt.Errorf("anonymous map size must be positive, got %d", size)
	}
	align := os.Getpagesize()
	if flags.Has(HugePages) {
		align = hugePageSize
	}
	mapped := layout.Align(size, align)
	data, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|mapFlags(flags))
	if err != nil {
		return nil, fmt.Errorf("memory-mapping %d anonymous bytes: %w", mapped, err)
	}
	m := &Map{data: data, length: size, align: align}
	m.advise(flags)
	logging.L().Debug().Int("bytes", mapped).Msg("mapped anonymous region")
	return m, nil
}

// ReadFile copies the file at path into an anonymous map, rounded up to a
// multiple of layout.MinBaseAlign with a zero tail, and freezes it.
// Unlike MapFile the contents do not change if the file does.
func ReadFile(path string, flags Flags) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	size := int(st.Size())
	if size == 0 {
		return nil, fmt.Errorf("reading %s: file is empty", path)
	}
	m, err := MapAnon(layout.Align(size, layout.MinBaseAlign), flags)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f, m.data[:size]); err != nil {
		m.Close()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := m.Freeze(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Writable returns the region for filling. It panics once the map is
// frozen or closed.
func (m *Map) Writable() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.frozen {
		panic("mem: write to frozen or closed map")
	}
	return m.data[:m.length]
}

// Freeze makes the whole mapping read-only.
func (m *Map) Freeze() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mem: freeze of closed map")
	}
	if m.frozen {
		return nil
	}
	if err := unix.Mprotect(m.data, unix.PROT_READ); err != nil {
		return fmt.Errorf("mem: mprotect: %w", err)
	}
	m.frozen = true
	return nil
}

func (m *Map) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.data[:m.length]
}

func (m *Map) Len() int   { return m.length }
func (m *Map) Align() int { return m.align }
func (m *Map) Kind() Kind { return KindMap }

// Close unmaps the region. Close is idempotent.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("mem: munmap: %w", err)
	}
	logging.L().Debug().Int("bytes", m.length).Msg("unmapped region")
	return nil
}

func (m *Map) advise(flags Flags) {
	for _, a := range advice(flags) {
		if err := unix.Madvise(m.data, a); err != nil {
			// advice is a hint, the mapping is usable without it
			logging.L().Debug().Err(err).Int("advice", a).Msg("madvise failed")
		}
	}
}
