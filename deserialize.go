package epsilon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"unsafe"

	"github.com/rawbytedev/epsilon/internal/common"
	"github.com/rawbytedev/epsilon/internal/logging"
	"github.com/rawbytedev/epsilon/pkg/layout"
	"github.com/rawbytedev/epsilon/pkg/wire"
)

// DeserializeFull reads one stream of T from r into freshly allocated
// memory. Exactly the stream's declared length is consumed, so
// concatenated streams can be read one after the other.
func DeserializeFull[T any](r io.Reader) (T, error) {
	var zero T
	d, err := Register[T]()
	if err != nil {
		return zero, err
	}
	v := new(T)
	if _, err := decodeFull(r, d, unsafe.Pointer(v), -1); err != nil {
		return zero, err
	}
	return *v, nil
}

// UnmarshalFull is DeserializeFull from a byte slice. It also returns the
// number of bytes the stream occupied. The result shares no memory with
// data.
func UnmarshalFull[T any](data []byte) (T, int, error) {
	var zero T
	d, err := Register[T]()
	if err != nil {
		return zero, 0, err
	}
	v := new(T)
	n, err := decodeFull(bytes.NewReader(data), d, unsafe.Pointer(v), len(data))
	if err != nil {
		return zero, 0, err
	}
	return *v, n, nil
}

// DeserializeEps reads one stream of T from data with as little copying
// as possible, and returns the value and the number of bytes the stream
// occupied.
//
// A flat T is returned as a pointer into data. Otherwise a new T is
// allocated, its strings, slices of flat elements and pointers to flat
// values point into data and the rest is decoded in place. Bytes read in
// place are trusted as they are: a bool inside an aliased run is not
// checked. data must stay alive and unmodified for as
// long as the result is used; Case ties the two together.
func DeserializeEps[T any](data []byte) (*T, int, error) {
	d, err := Register[T]()
	if err != nil {
		return nil, 0, err
	}
	h, err := checkStream(data, d)
	if err != nil {
		return nil, 0, err
	}
	total := int(h.TotalLen)
	if !layout.Aligned(uintptr(unsafe.Pointer(unsafe.SliceData(data))), d.maxAlign) {
		return nil, 0, fmt.Errorf("%w: buffer at %p is not aligned to %d", ErrMisaligned, unsafe.SliceData(data), d.maxAlign)
	}

	c := &wire.Cursor{Data: data[:total], Pos: h.PayloadOffset()}
	if d.flat() {
		if d.size == 0 {
			return new(T), total, nil
		}
		b, err := takeAligned(c, d.size, d.align)
		if err != nil {
			return nil, 0, err
		}
		return (*T)(unsafe.Pointer(unsafe.SliceData(b))), total, nil
	}
	v := new(T)
	if err := decodeEps(c, d, unsafe.Pointer(v)); err != nil {
		return nil, 0, err
	}
	return v, total, nil
}

// checkStream validates the header at the start of data against d.
func checkStream(data []byte, d *TypeDescriptor) (wire.Header, error) {
	h, err := wire.ParseHeader(data)
	if err != nil {
		logging.L().Debug().Err(err).Str("type", d.Type.String()).Msg("rejected stream header")
		return wire.Header{}, err
	}
	if err := checkSchema(h, d); err != nil {
		return wire.Header{}, err
	}
	if h.TotalLen > uint64(len(data)) {
		return wire.Header{}, fmt.Errorf("%w: stream declares %d bytes, %d available", ErrTruncated, h.TotalLen, len(data))
	}
	return h, nil
}

func checkSchema(h wire.Header, d *TypeDescriptor) error {
	if h.Fingerprint == d.fingerprint && h.LayoutHash == d.layoutHash {
		return nil
	}
	err := &SchemaError{
		Want:       d.fingerprint,
		Got:        h.Fingerprint,
		WantLayout: d.layoutHash,
		GotLayout:  h.LayoutHash,
		WantType:   d.Type.String(),
		GotType:    h.TypeName,
	}
	logging.L().Debug().Err(err).Msg("rejected stream schema")
	return err
}

// takeAligned takes n bytes at the next multiple of align and checks that
// their real address is aligned too.
func takeAligned(c *wire.Cursor, n, align int) ([]byte, error) {
	if err := c.Align(align); err != nil {
		return nil, err
	}
	b, err := c.Take(n)
	if err != nil {
		return nil, err
	}
	if n > 0 && !layout.Aligned(uintptr(unsafe.Pointer(unsafe.SliceData(b))), align) {
		return nil, fmt.Errorf("%w: %d bytes at offset %d need alignment %d", ErrMisaligned, n, c.Pos-n, align)
	}
	return b, nil
}

// runLen returns n*size, failing when the product cannot fit in rem.
func runLen(n, size, rem int) (int, error) {
	if size > 0 && n > rem/size {
		return 0, fmt.Errorf("%w: %d elements of %d bytes, %d bytes left", ErrTruncated, n, size, rem)
	}
	return n * size, nil
}

// boundCount rejects element counts that cannot possibly be encoded in
// rem bytes, before anything is allocated for them.
func boundCount(n int, elem *TypeDescriptor, rem int) error {
	if elem.minWire > 0 && n > rem/elem.minWire {
		return fmt.Errorf("%w: %d elements cannot fit in %d bytes", ErrTruncated, n, rem)
	}
	return nil
}

func decodeEps(c *wire.Cursor, d *TypeDescriptor, p unsafe.Pointer) error {
	if d.flat() {
		b, err := takeAligned(c, d.size, d.align)
		if err != nil {
			return err
		}
		dst := common.Bytes(p, d.size)
		copy(dst, b)
		d.fixBools(dst)
		return nil
	}

	switch d.Kind {
	case reflect.String:
		n, err := c.ReadLen()
		if err != nil {
			return err
		}
		b, err := c.Take(n)
		if err != nil {
			return err
		}
		common.AliasString(p, b)
		return nil

	case reflect.Slice:
		n, err := c.ReadLen()
		if err != nil {
			return err
		}
		elem := d.Elem
		if elem.flat() {
			if err := c.Align(elem.align); err != nil {
				return err
			}
			size, err := runLen(n, elem.size, c.Remaining())
			if err != nil {
				return err
			}
			b, err := takeAligned(c, size, elem.align)
			if err != nil {
				return err
			}
			common.AliasSlice(p, d.Type, b, n)
			return nil
		}
		if n == 0 {
			reflect.NewAt(d.Type, p).Elem().SetZero()
			return nil
		}
		if err := boundCount(n, elem, c.Remaining()); err != nil {
			return err
		}
		s := reflect.MakeSlice(d.Type, n, n)
		reflect.NewAt(d.Type, p).Elem().Set(s)
		data := s.UnsafePointer()
		for i := 0; i < n; i++ {
			if err := decodeEps(c, elem, common.Add(data, uintptr(i*elem.size))); err != nil {
				return err
			}
		}
		return nil

	case reflect.Pointer:
		tag, err := c.Take(1)
		if err != nil {
			return err
		}
		slot := reflect.NewAt(d.Type, p).Elem()
		switch tag[0] {
		case 0:
			slot.SetZero()
			return nil
		case 1:
		default:
			return fmt.Errorf("%w: %d for %s", ErrInvalidTag, tag[0], d.Type)
		}
		elem := d.Elem
		if elem.flat() && elem.size > 0 {
			b, err := takeAligned(c, elem.size, elem.align)
			if err != nil {
				return err
			}
			slot.Set(reflect.NewAt(elem.Type, unsafe.Pointer(unsafe.SliceData(b))))
			return nil
		}
		v := reflect.New(elem.Type)
		if err := decodeEps(c, elem, v.UnsafePointer()); err != nil {
			return err
		}
		slot.Set(v)
		return nil

	case reflect.Array:
		for i := 0; i < d.ArrayLen; i++ {
			if err := decodeEps(c, d.Elem, common.Add(p, uintptr(i*d.Elem.size))); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		for _, f := range d.Fields {
			if err := decodeEps(c, f.Type, common.Add(p, f.Offset)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, d.Type)
}

// decodeFull reads one stream from r into the value at p and returns the
// number of bytes consumed. avail is how many bytes r holds, or -1 when
// unknown.
func decodeFull(r io.Reader, d *TypeDescriptor, p unsafe.Pointer, avail int) (int, error) {
	hb := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: reading header: %v", ErrTruncated, err)
		}
		return 0, errors.Join(ErrIO, err)
	}
	h, err := wire.ParseHeader(hb)
	if err != nil {
		logging.L().Debug().Err(err).Str("type", d.Type.String()).Msg("rejected stream header")
		return 0, err
	}
	if h.TotalLen > uint64(maxInt) {
		return 0, fmt.Errorf("%w: declared length %d", ErrTruncated, h.TotalLen)
	}
	rd := wire.NewReader(r, wire.HeaderSize, int(h.TotalLen))
	name := make([]byte, wire.NameLen(hb))
	if err := rd.ReadFull(name); err != nil {
		return 0, err
	}
	h.TypeName = string(name)
	if err := checkSchema(h, d); err != nil {
		return 0, err
	}
	if avail >= 0 && h.TotalLen > uint64(avail) {
		return 0, fmt.Errorf("%w: stream declares %d bytes, %d available", ErrTruncated, h.TotalLen, avail)
	}
	if err := rd.Align(layout.MinBaseAlign); err != nil {
		return 0, err
	}
	if err := decodeValue(rd, d, p); err != nil {
		return 0, err
	}
	// tail padding, so the next stream starts where it should
	if err := rd.Skip(rd.Remaining()); err != nil {
		return 0, err
	}
	return rd.Pos(), nil
}

// fullChunk bounds how far allocation runs ahead of the bytes actually
// read, so a corrupt length from a stream of unknown size cannot force a
// huge allocation.
const fullChunk = 1 << 20

func decodeValue(r *wire.Reader, d *TypeDescriptor, p unsafe.Pointer) error {
	if d.flat() {
		if err := r.Align(d.align); err != nil {
			return err
		}
		b := common.Bytes(p, d.size)
		if err := r.ReadFull(b); err != nil {
			return err
		}
		d.fixBools(b)
		return nil
	}

	switch d.Kind {
	case reflect.String:
		n, err := r.ReadLen()
		if err != nil {
			return err
		}
		if n > r.Remaining() {
			return fmt.Errorf("%w: string of %d bytes, %d left", ErrTruncated, n, r.Remaining())
		}
		s, err := readString(r, n)
		if err != nil {
			return err
		}
		*(*string)(p) = s
		return nil

	case reflect.Slice:
		n, err := r.ReadLen()
		if err != nil {
			return err
		}
		slot := reflect.NewAt(d.Type, p).Elem()
		elem := d.Elem
		if elem.flat() {
			if err := r.Align(elem.align); err != nil {
				return err
			}
			if _, err := runLen(n, elem.size, r.Remaining()); err != nil {
				return err
			}
			if n == 0 {
				slot.SetZero()
				return nil
			}
			return growSlice(slot, n, elem.size, func(data unsafe.Pointer, from, to int) error {
				if err := r.ReadFull(common.Bytes(common.Add(data, uintptr(from*elem.size)), (to-from)*elem.size)); err != nil {
					return err
				}
				if len(elem.bools) > 0 {
					for i := from; i < to; i++ {
						elem.fixBools(common.Bytes(common.Add(data, uintptr(i*elem.size)), elem.size))
					}
				}
				return nil
			})
		}
		if n == 0 {
			slot.SetZero()
			return nil
		}
		if err := boundCount(n, elem, r.Remaining()); err != nil {
			return err
		}
		return growSlice(slot, n, elem.size, func(data unsafe.Pointer, from, to int) error {
			for i := from; i < to; i++ {
				if err := decodeValue(r, elem, common.Add(data, uintptr(i*elem.size))); err != nil {
					return err
				}
			}
			return nil
		})

	case reflect.Pointer:
		var tag [1]byte
		if err := r.ReadFull(tag[:]); err != nil {
			return err
		}
		slot := reflect.NewAt(d.Type, p).Elem()
		switch tag[0] {
		case 0:
			slot.SetZero()
			return nil
		case 1:
			v := reflect.New(d.Elem.Type)
			if err := decodeValue(r, d.Elem, v.UnsafePointer()); err != nil {
				return err
			}
			slot.Set(v)
			return nil
		}
		return fmt.Errorf("%w: %d for %s", ErrInvalidTag, tag[0], d.Type)

	case reflect.Array:
		for i := 0; i < d.ArrayLen; i++ {
			if err := decodeValue(r, d.Elem, common.Add(p, uintptr(i*d.Elem.size))); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		for _, f := range d.Fields {
			if err := decodeValue(r, f.Type, common.Add(p, f.Offset)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, d.Type)
}

// growSlice stores an n element slice in slot and has fill decode
// elements [from, to) into it. Long slices are grown one chunk at a time.
func growSlice(slot reflect.Value, n, elemSize int, fill func(data unsafe.Pointer, from, to int) error) error {
	if elemSize == 0 || n <= fullChunk/elemSize {
		s := reflect.MakeSlice(slot.Type(), n, n)
		slot.Set(s)
		return fill(s.UnsafePointer(), 0, n)
	}
	step := fullChunk / elemSize
	slot.Set(reflect.MakeSlice(slot.Type(), 0, step))
	for done := 0; done < n; {
		k := min(step, n-done)
		slot.Grow(k)
		slot.SetLen(done + k)
		if err := fill(slot.UnsafePointer(), done, done+k); err != nil {
			return err
		}
		done += k
	}
	return nil
}

// readString reads an n byte string, growing the buffer one chunk at a
// time past fullChunk.
func readString(r *wire.Reader, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	b := make([]byte, min(n, fullChunk))
	if err := r.ReadFull(b); err != nil {
		return "", err
	}
	for len(b) < n {
		k := min(fullChunk, n-len(b))
		b = slices.Grow(b, k)[:len(b)+k]
		if err := r.ReadFull(b[len(b)-k:]); err != nil {
			return "", err
		}
	}
	// b is never written again, so the string can own it
	return unsafe.String(unsafe.SliceData(b), n), nil
}

const maxInt = int(^uint(0) >> 1)
