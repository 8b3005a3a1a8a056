// Package mem provides the byte regions ε-copy values are read from: an
// aligned copy on the Go heap, a caller supplied slice, or a memory map.
//
// Heap and slice backends are managed by the garbage collector and Close
// only drops the reference. Maps live outside the Go heap: after Close
// every value borrowed from them is invalid, which is why they are handed
// out wrapped in an epsilon.Case.
package mem

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"unsafe"

	"github.com/rawbytedev/epsilon/pkg/layout"
)

// ErrUnsupportedPlatform is returned by the mapping functions on systems
// without mmap.
var ErrUnsupportedPlatform = errors.New("memory mapping is not supported on this platform")

// Kind names a backend implementation.
type Kind uint8

const (
	KindNone Kind = iota
	KindHeap
	KindSlice
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindHeap:
		return "heap"
	case KindSlice:
		return "slice"
	case KindMap:
		return "mmap"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Backend is a region of bytes with known bounds and alignment.
type Backend interface {
	// Bytes returns the region. It must not be used after Close.
	Bytes() []byte
	Len() int
	// Align is the guaranteed alignment of the first byte.
	Align() int
	Kind() Kind
	// Close releases the region. Calling it more than once is a no-op.
	Close() error
}

// Flags tune how a map is created and accessed. Flags a platform cannot
// honor are ignored.
type Flags uint32

const (
	// Sequential advises the kernel of sequential access.
	Sequential Flags = 1 << iota
	// Random advises the kernel of random access.
	Random
	// Populate prefaults the whole mapping.
	Populate
	// HugePages backs anonymous maps with explicit huge pages.
	HugePages
	// TransparentHugePages asks for transparent huge pages.
	TransparentHugePages
)

func (f Flags) Has(o Flags) bool { return f&o == o }

type none struct{}

// None returns an empty backend, used for values that own all their
// memory.
func None() Backend { return none{} }

func (none) Bytes() []byte { return nil }
func (none) Len() int      { return 0 }
func (none) Align() int    { return 1 }
func (none) Kind() Kind    { return KindNone }
func (none) Close() error  { return nil }

// Heap is an aligned region of the Go heap.
type Heap struct {
	buf   []byte
	align int
}

// NewHeap allocates a zeroed region of size bytes whose first byte is
// aligned to align.
func NewHeap(size, align int) (*Heap, error) {
	if !layout.IsPow2(align) {
		return nil, fmt.Errorf("heap alignment %d: %w", align, layout.ErrBadAlignment)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative heap size %d", size)
	}
	raw := make([]byte, size+align-1)
	off := layout.Pad(int(uintptr(unsafe.Pointer(unsafe.SliceData(raw)))), align)
	return &Heap{buf: raw[off : off+size : off+size], align: align}, nil
}

// ReadHeap reads exactly size bytes from r into a new region aligned to
// layout.MinBaseAlign. The region is rounded up to a multiple of
// layout.MinBaseAlign and the tail is zero.
func ReadHeap(r io.Reader, size int) (*Heap, error) {
	h, err := NewHeap(layout.Align(size, layout.MinBaseAlign), layout.MinBaseAlign)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.buf[:size]); err != nil {
		return nil, fmt.Errorf("reading %d bytes: %w", size, err)
	}
	return h, nil
}

// LoadFile copies the file at path into a new heap region.
func LoadFile(path string) (*Heap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return ReadHeap(f, int(st.Size()))
}

func (h *Heap) Bytes() []byte { return h.buf }
func (h *Heap) Len() int      { return len(h.buf) }
func (h *Heap) Align() int    { return h.align }
func (h *Heap) Kind() Kind    { return KindHeap }

func (h *Heap) Close() error {
	h.buf = nil
	return nil
}

// Slice wraps memory owned by the caller.
type Slice struct {
	buf []byte
}

// FromSlice wraps b. The caller keeps b unmodified while it is in use.
func FromSlice(b []byte) *Slice { return &Slice{buf: b} }

func (s *Slice) Bytes() []byte { return s.buf }
func (s *Slice) Len() int      { return len(s.buf) }
func (s *Slice) Align() int    { return addrAlign(unsafe.SliceData(s.buf)) }
func (s *Slice) Kind() Kind    { return KindSlice }

func (s *Slice) Close() error {
	s.buf = nil
	return nil
}

// addrAlign returns the largest power of two dividing the address of p,
// capped at a page.
func addrAlign(p *byte) int {
	const maxAlign = 4096
	addr := uintptr(unsafe.Pointer(p))
	if addr == 0 {
		return maxAlign
	}
	return min(1<<bits.TrailingZeros64(uint64(addr)), maxAlign)
}
