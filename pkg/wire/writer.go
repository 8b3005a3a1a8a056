package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/rawbytedev/epsilon/pkg/layout"
)

// ErrIO wraps every failure reported by the underlying sink or source.
var ErrIO = errors.New("i/o error")

// Writer tracks how many bytes were written so values can be padded to
// their alignment. A nil sink only counts, which is how the serializer
// sizes a stream before writing its header.
type Writer struct {
	w           io.Writer
	pos         int
	scratch     [8]byte
	zeroPadding [layout.MinBaseAlign]byte
}

// NewWriter returns a Writer on w. A nil w discards bytes and only counts.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Pos returns the number of bytes written so far.
func (w *Writer) Pos() int { return w.pos }

// Write writes p, wrapping sink failures in ErrIO.
func (w *Writer) Write(p []byte) (int, error) {
	if w.w == nil {
		w.pos += len(p)
		return len(p), nil
	}
	n, err := w.w.Write(p)
	w.pos += n
	if err != nil {
		return n, errors.Join(ErrIO, err)
	}
	if n < len(p) {
		return n, errors.Join(ErrIO, io.ErrShortWrite)
	}
	return n, nil
}

// Pad writes zero bytes up to the next multiple of a.
func (w *Writer) Pad(a int) error {
	pad := layout.Pad(w.pos, a)
	for pad > 0 {
		n := min(pad, len(w.zeroPadding))
		if _, err := w.Write(w.zeroPadding[:n]); err != nil {
			return err
		}
		pad -= n
	}
	return nil
}

// Zero writes n zero bytes.
func (w *Writer) Zero(n int) error {
	for n > 0 {
		k := min(n, len(w.zeroPadding))
		if _, err := w.Write(w.zeroPadding[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// WriteLen writes a sequence length prefix: a native uint64 aligned to 8.
func (w *Writer) WriteLen(n int) error {
	if err := w.Pad(8); err != nil {
		return err
	}
	binary.NativeEndian.PutUint64(w.scratch[:], uint64(n))
	_, err := w.Write(w.scratch[:])
	return err
}
