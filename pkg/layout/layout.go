// Package layout computes aligned field placement for serialized streams.
//
// Every value in a stream starts at an offset that is a multiple of its
// alignment. Offsets are relative to the start of the stream, so a stream
// loaded at a base address aligned to MinBaseAlign keeps every field
// aligned in memory as well.
package layout

import (
	"errors"
	"fmt"
)

// MinBaseAlign is the alignment required of the first byte of every stream.
// Payloads start at a multiple of it and total stream lengths are rounded
// up to it, so concatenated streams keep the same guarantee.
const MinBaseAlign = 16

// ErrBadAlignment reports an alignment that is not a positive power of two.
var ErrBadAlignment = errors.New("alignment must be a positive power of two")

// Field is a (size, alignment) pair to be placed.
type Field struct {
	Size  int
	Align int
}

// Layout is the result of placing a sequence of fields.
type Layout struct {
	Offsets []int
	Size    int // multiple of Align
	Align   int // max alignment of the fields, at least 1
	fields  []Field
}

// Gap is a run of padding bytes inside a Layout.
type Gap struct {
	Off int
	Len int
}

// IsPow2 reports whether a is a positive power of two.
func IsPow2(a int) bool {
	return a > 0 && a&(a-1) == 0
}

// Pad returns the number of bytes needed to move pos up to a multiple of a.
func Pad(pos, a int) int {
	if a <= 1 {
		return 0
	}
	return (a - pos&(a-1)) & (a - 1)
}

// Align rounds pos up to a multiple of a.
func Align(pos, a int) int {
	return pos + Pad(pos, a)
}

// Aligned reports whether addr is a multiple of a.
func Aligned(addr uintptr, a int) bool {
	if a <= 1 {
		return true
	}
	return addr&uintptr(a-1) == 0
}

// Place assigns offsets to fields in order, inserting the minimum padding
// that keeps each offset a multiple of its field's alignment. The total
// size is rounded to the largest alignment so the layout can be repeated
// back to back in an array.
func Place(fields []Field) (Layout, error) {
	l := Layout{
		Offsets: make([]int, len(fields)),
		Align:   1,
		fields:  fields,
	}
	pos := 0
	for i, f := range fields {
		if !IsPow2(f.Align) {
			return Layout{}, fmt.Errorf("%w: field %d has alignment %d", ErrBadAlignment, i, f.Align)
		}
		if f.Size < 0 {
			return Layout{}, fmt.Errorf("field %d has negative size %d", i, f.Size)
		}
		pos = Align(pos, f.Align)
		l.Offsets[i] = pos
		pos += f.Size
		if f.Align > l.Align {
			l.Align = f.Align
		}
	}
	l.Size = Align(pos, l.Align)
	return l, nil
}

// Padding returns the padding gaps of the layout, trailing padding included.
func (l Layout) Padding() []Gap {
	var gaps []Gap
	pos := 0
	for i, off := range l.Offsets {
		if off > pos {
			gaps = append(gaps, Gap{Off: pos, Len: off - pos})
		}
		pos = off + l.fields[i].Size
	}
	if l.Size > pos {
		gaps = append(gaps, Gap{Off: pos, Len: l.Size - pos})
	}
	return gaps
}
