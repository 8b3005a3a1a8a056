package epsilon

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"

	"github.com/rawbytedev/epsilon/internal/common"
	"github.com/rawbytedev/epsilon/pkg/layout"
	"github.com/rawbytedev/epsilon/pkg/typehash"
)

// Capability says whether values of a type may be read in place from a
// serialized buffer.
type Capability uint8

const (
	// FullCopyOnly types are always reconstructed into freshly allocated
	// memory.
	FullCopyOnly Capability = iota
	// EpsCopyEligible types hold no indirection: their serialized bytes
	// are their in-memory representation and can be aliased directly.
	EpsCopyEligible
)

func (c Capability) String() string {
	switch c {
	case FullCopyOnly:
		return "full-copy"
	case EpsCopyEligible:
		return "eps-copy"
	default:
		return fmt.Sprintf("Capability(%d)", uint8(c))
	}
}

// CopyTyper lets a struct or array type declare its capability instead of
// having it inferred. Declaring FullCopyOnly on a flat type makes it
// serialize field by field and never be aliased. Declaring
// EpsCopyEligible on a type that holds strings, slices or pointers is an
// error.
type CopyTyper interface {
	CopyType() Capability
}

// FieldDescriptor is one struct field.
type FieldDescriptor struct {
	Name   string
	Offset uintptr // offset in the Go value
	Type   *TypeDescriptor
}

// span is a run of non-padding bytes inside a flat value.
type span struct {
	off, len int
}

// TypeDescriptor is the serialization plan of a Go type. It is computed
// once per type and never modified afterwards.
type TypeDescriptor struct {
	Type       reflect.Type
	Kind       reflect.Kind
	Capability Capability
	Fields     []FieldDescriptor // struct
	Elem       *TypeDescriptor   // slice, array, pointer
	ArrayLen   int

	size     int
	align    int
	gaps     []span // flat only: padding bytes, zeroed on the wire
	bools    []span // flat only: bytes holding bools
	dense    bool   // flat with no padding at all
	minWire  int    // smallest possible encoding of a value
	maxAlign int    // largest alignment reachable from this type

	fingerprint typehash.Fingerprint
	layoutHash  uint64
}

// flat reports whether values are encoded as a single raw run.
func (d *TypeDescriptor) flat() bool { return d.Capability == EpsCopyEligible }

// Fingerprint returns the structural fingerprint written in stream headers.
func (d *TypeDescriptor) Fingerprint() typehash.Fingerprint { return d.fingerprint }

// LayoutHash returns the memory layout hash written in stream headers.
func (d *TypeDescriptor) LayoutHash() uint64 { return d.layoutHash }

// BaseAlign is the alignment an ε-copy buffer must have for this type.
func (d *TypeDescriptor) BaseAlign() int { return d.maxAlign }

// typehash.Node

func (d *TypeDescriptor) Token() string  { return common.Token(d.Kind) }
func (d *TypeDescriptor) Size() int      { return d.size }
func (d *TypeDescriptor) Align() int     { return d.align }
func (d *TypeDescriptor) Eligible() bool { return d.flat() }
func (d *TypeDescriptor) Len() int       { return d.ArrayLen }

func (d *TypeDescriptor) NumChildren() int {
	switch d.Kind {
	case reflect.Struct:
		return len(d.Fields)
	case reflect.Slice, reflect.Array, reflect.Pointer:
		return 1
	default:
		return 0
	}
}

func (d *TypeDescriptor) Child(i int) (string, int, typehash.Node) {
	if d.Kind == reflect.Struct {
		f := d.Fields[i]
		return f.Name, int(f.Offset), f.Type
	}
	return "", 0, d.Elem
}

var copyTyperType = reflect.TypeFor[CopyTyper]()

// declaredCapability returns the capability a type declares through
// CopyTyper, if any.
func declaredCapability(t reflect.Type) (Capability, bool) {
	switch {
	case t.Implements(copyTyperType):
		return reflect.Zero(t).Interface().(CopyTyper).CopyType(), true
	case reflect.PointerTo(t).Implements(copyTyperType):
		return reflect.New(t).Interface().(CopyTyper).CopyType(), true
	}
	return 0, false
}

// describe builds the descriptor of t. lookup resolves nested types so
// they are shared through the registry.
func describe(t reflect.Type, lookup func(reflect.Type) (*TypeDescriptor, error)) (*TypeDescriptor, error) {
	d := &TypeDescriptor{
		Type:  t,
		Kind:  t.Kind(),
		size:  int(t.Size()),
		align: t.Align(),
	}
	switch k := t.Kind(); {
	case common.IsFixedKind(k):
		d.Capability = EpsCopyEligible
		if k == reflect.Bool {
			d.bools = []span{{0, 1}}
		}

	case k == reflect.String:
		d.Capability = FullCopyOnly

	case k == reflect.Slice:
		elem, err := lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		d.Elem = elem
		d.Capability = FullCopyOnly

	case k == reflect.Pointer:
		// an optional value: a tag byte, then the pointee when present
		elem, err := lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		d.Elem = elem
		d.Capability = FullCopyOnly

	case k == reflect.Array:
		elem, err := lookup(t.Elem())
		if err != nil {
			return nil, err
		}
		d.Elem = elem
		d.ArrayLen = t.Len()
		d.Capability = elem.Capability
		if d.flat() {
			for i := 0; i < d.ArrayLen; i++ {
				d.gaps = shift(d.gaps, elem.gaps, i*elem.size)
				d.bools = shift(d.bools, elem.bools, i*elem.size)
			}
		}

	case k == reflect.Struct:
		d.Capability = EpsCopyEligible
		fields := make([]layout.Field, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			ft, err := lookup(sf.Type)
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", t, sf.Name, err)
			}
			d.Fields = append(d.Fields, FieldDescriptor{Name: sf.Name, Offset: sf.Offset, Type: ft})
			fields = append(fields, layout.Field{Size: ft.size, Align: ft.align})
			if !ft.flat() {
				d.Capability = FullCopyOnly
			}
		}
		if d.flat() {
			// the wire layout of a flat struct is its memory layout; the
			// two must agree for aliasing to be sound
			l, err := layout.Place(fields)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, t, err)
			}
			if sameLayout(l, d) {
				for _, g := range l.Padding() {
					d.gaps = append(d.gaps, span{g.Off, g.Len})
				}
				for _, f := range d.Fields {
					d.gaps = shift(d.gaps, f.Type.gaps, int(f.Offset))
					d.bools = shift(d.bools, f.Type.bools, int(f.Offset))
				}
				slices.SortFunc(d.gaps, func(a, b span) int { return cmp.Compare(a.off, b.off) })
			} else {
				d.Capability = FullCopyOnly
			}
		}

	default:
		return nil, fmt.Errorf("%w: %s has kind %s", ErrUnsupported, t, k)
	}

	if k := t.Kind(); k == reflect.Struct || k == reflect.Array {
		if c, ok := declaredCapability(t); ok {
			switch {
			case c == EpsCopyEligible && !d.flat():
				return nil, fmt.Errorf("%w: %s declares %s but holds indirection", ErrUnsupported, t, c)
			case c == FullCopyOnly:
				d.Capability = FullCopyOnly
				d.gaps, d.bools = nil, nil
			}
		}
	}

	d.gaps = coalesce(d.gaps)
	d.bools = coalesce(d.bools)
	d.dense = d.flat() && len(d.gaps) == 0
	d.minWire = minWire(d)
	d.maxAlign = max(d.align, 1)
	if d.Elem != nil {
		d.maxAlign = max(d.maxAlign, d.Elem.maxAlign)
	}
	for _, f := range d.Fields {
		d.maxAlign = max(d.maxAlign, f.Type.maxAlign)
	}
	d.fingerprint = typehash.Of(d)
	d.layoutHash = typehash.LayoutHash(d)
	return d, nil
}

func sameLayout(l layout.Layout, d *TypeDescriptor) bool {
	if l.Size != d.size || l.Align != d.align {
		return false
	}
	for i, f := range d.Fields {
		if uintptr(l.Offsets[i]) != f.Offset {
			return false
		}
	}
	return true
}

// shift appends the spans of src moved by off to dst.
func shift(dst, src []span, off int) []span {
	for _, s := range src {
		dst = append(dst, span{s.off + off, s.len})
	}
	return dst
}

// coalesce merges adjacent spans of a sorted list and drops empty ones.
func coalesce(in []span) []span {
	if len(in) == 0 {
		return nil
	}
	var out []span
	for _, s := range in {
		if s.len == 0 {
			continue
		}
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		last := &out[len(out)-1]
		if last.off+last.len == s.off {
			last.len += s.len
			continue
		}
		out = append(out, s)
	}
	return out
}

// minWire is a lower bound on the encoded size of one value, used to
// reject sequence lengths that cannot fit in the remaining bytes.
func minWire(d *TypeDescriptor) int {
	if d.flat() {
		return d.size
	}
	switch d.Kind {
	case reflect.String, reflect.Slice:
		return 8
	case reflect.Pointer:
		return 1
	case reflect.Array:
		return d.ArrayLen * d.Elem.minWire
	case reflect.Struct:
		n := 0
		for _, f := range d.Fields {
			n += f.Type.minWire
		}
		return n
	}
	return 0
}

// fixBools rewrites the bool bytes of a flat value held in b to 0 or 1, so
// a corrupt stream cannot produce a bool that is neither true nor false.
func (d *TypeDescriptor) fixBools(b []byte) {
	for _, s := range d.bools {
		for i := s.off; i < s.off+s.len; i++ {
			if b[i] > 1 {
				b[i] = 1
			}
		}
	}
}
