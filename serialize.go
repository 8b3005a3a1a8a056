package epsilon

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"unsafe"

	"github.com/rawbytedev/epsilon/internal/common"
	"github.com/rawbytedev/epsilon/pkg/layout"
	"github.com/rawbytedev/epsilon/pkg/schema"
	"github.com/rawbytedev/epsilon/pkg/wire"
)

// Serialize writes v as a single stream to w and returns the number of
// bytes written. v may be a value or a non-nil pointer to one.
//
// The stream is sized with a counting pass before anything reaches w, so
// the only errors after the first byte is written are sink failures,
// reported as ErrIO.
func Serialize(w io.Writer, v any) (int, error) {
	return serialize(w, v, nil)
}

// SerializeWithSchema is Serialize that also returns where every part of
// v was placed in the stream.
func SerializeWithSchema(w io.Writer, v any) (*schema.Schema, error) {
	s := &schema.Schema{}
	if _, err := serialize(w, v, s); err != nil {
		return nil, err
	}
	s.Sort()
	return s, nil
}

// Marshal returns the stream of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Serialize(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Store serializes v to the file at path, creating or truncating it.
func Store(path string, v any) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Join(ErrIO, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Join(ErrIO, cerr)
		}
	}()
	bw := bufio.NewWriter(f)
	if _, err := Serialize(bw, v); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return errors.Join(ErrIO, err)
	}
	return nil
}

func serialize(w io.Writer, v any, s *schema.Schema) (int, error) {
	d, p, err := valueOf(v)
	if err != nil {
		return 0, err
	}
	h := wire.New(d.fingerprint, d.layoutHash, d.Type.String())

	count := &encoder{w: wire.NewWriter(nil)}
	if _, err := count.w.Write(wire.EncodeHeader(nil, h)); err != nil {
		return 0, err
	}
	if err := count.encode(d, p, ""); err != nil {
		return 0, err
	}
	h.TotalLen = uint64(layout.Align(count.w.Pos(), layout.MinBaseAlign))

	if s != nil {
		s.TypeName = h.TypeName
		s.Fingerprint = d.fingerprint.String()
	}
	enc := &encoder{w: wire.NewWriter(w), schema: s}
	if _, err := enc.w.Write(wire.EncodeHeader(nil, h)); err != nil {
		return enc.w.Pos(), err
	}
	if err := enc.encode(d, p, ""); err != nil {
		return enc.w.Pos(), err
	}
	if err := enc.w.Pad(layout.MinBaseAlign); err != nil {
		return enc.w.Pos(), err
	}
	return enc.w.Pos(), nil
}

// valueOf returns the descriptor of v's type and a pointer to its memory.
func valueOf(v any) (*TypeDescriptor, unsafe.Pointer, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, nil, fmt.Errorf("%w: nil value", ErrUnsupported)
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil, fmt.Errorf("%w: nil %s", ErrUnsupported, rv.Type())
		}
		rv = rv.Elem()
	}
	d, err := Describe(rv.Type())
	if err != nil {
		return nil, nil, err
	}
	if rv.CanAddr() {
		return d, rv.Addr().UnsafePointer(), nil
	}
	cp := reflect.New(rv.Type())
	cp.Elem().Set(rv)
	return d, cp.UnsafePointer(), nil
}

type encoder struct {
	w      *wire.Writer
	schema *schema.Schema
}

func (e *encoder) record(path, typ string, size, align int) {
	if e.schema == nil {
		return
	}
	if path == "" {
		path = "$"
	}
	e.schema.Add(path, typ, e.w.Pos(), size, align)
}

func (e *encoder) encode(d *TypeDescriptor, p unsafe.Pointer, path string) error {
	if d.flat() {
		if err := e.w.Pad(d.align); err != nil {
			return err
		}
		e.record(path, d.Type.String(), d.size, d.align)
		return e.writeFlat(d, p)
	}

	switch d.Kind {
	case reflect.String:
		str := *(*string)(p)
		if err := e.w.Pad(8); err != nil {
			return err
		}
		e.record(path, "string", 8+len(str), 8)
		if err := e.w.WriteLen(len(str)); err != nil {
			return err
		}
		_, err := e.w.Write(unsafe.Slice(unsafe.StringData(str), len(str)))
		return err

	case reflect.Slice:
		sl := (*common.Slice)(p)
		if err := e.w.Pad(8); err != nil {
			return err
		}
		e.record(path, d.Type.String(), 8, 8)
		if err := e.w.WriteLen(sl.Len); err != nil {
			return err
		}
		elem := d.Elem
		if elem.flat() {
			if err := e.w.Pad(elem.align); err != nil {
				return err
			}
			e.record(path+"[]", elem.Type.String(), sl.Len*elem.size, elem.align)
			if elem.dense {
				_, err := e.w.Write(common.Bytes(sl.Data, sl.Len*elem.size))
				return err
			}
			for i := 0; i < sl.Len; i++ {
				if err := e.writeFlat(elem, common.Add(sl.Data, uintptr(i*elem.size))); err != nil {
					return err
				}
			}
			return nil
		}
		for i := 0; i < sl.Len; i++ {
			if err := e.encode(elem, common.Add(sl.Data, uintptr(i*elem.size)), e.index(path, i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Pointer:
		ptr := *(*unsafe.Pointer)(p)
		e.record(path, "tag", 1, 1)
		if ptr == nil {
			_, err := e.w.Write(tagNone)
			return err
		}
		if _, err := e.w.Write(tagSome); err != nil {
			return err
		}
		return e.encode(d.Elem, ptr, e.deref(path))

	case reflect.Array:
		for i := 0; i < d.ArrayLen; i++ {
			if err := e.encode(d.Elem, common.Add(p, uintptr(i*d.Elem.size)), e.index(path, i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		for _, f := range d.Fields {
			if err := e.encode(f.Type, common.Add(p, f.Offset), e.field(path, f.Name)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, d.Type)
}

// writeFlat writes the size bytes of a flat value with its padding
// zeroed, so equal values always produce equal bytes.
func (e *encoder) writeFlat(d *TypeDescriptor, p unsafe.Pointer) error {
	b := common.Bytes(p, d.size)
	if d.dense {
		_, err := e.w.Write(b)
		return err
	}
	pos := 0
	for _, g := range d.gaps {
		if g.off > pos {
			if _, err := e.w.Write(b[pos:g.off]); err != nil {
				return err
			}
		}
		if err := e.w.Zero(g.len); err != nil {
			return err
		}
		pos = g.off + g.len
	}
	_, err := e.w.Write(b[pos:])
	return err
}

// Option tags written before a pointer's target.
var (
	tagNone = []byte{0}
	tagSome = []byte{1}
)

// Paths are only built when a schema is being recorded.

func (e *encoder) field(path, name string) string {
	if e.schema == nil {
		return ""
	}
	if path == "" {
		return name
	}
	return path + "." + name
}

func (e *encoder) deref(path string) string {
	if e.schema == nil {
		return ""
	}
	if path == "" {
		path = "$"
	}
	return "*" + path
}

func (e *encoder) index(path string, i int) string {
	if e.schema == nil {
		return ""
	}
	return path + "[" + strconv.Itoa(i) + "]"
}
