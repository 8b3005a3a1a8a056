package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rawbytedev/epsilon/pkg/layout"
)

// Reader is the full-copy counterpart of Writer: it reads from an
// io.Reader, tracks the position to skip alignment padding and refuses to
// read past the declared end of the stream.
type Reader struct {
	r       io.Reader
	pos     int
	limit   int
	scratch [8]byte
	skipBuf [64]byte
}

// NewReader returns a Reader on r positioned at pos, which may not read
// past limit.
func NewReader(r io.Reader, pos, limit int) *Reader {
	return &Reader{r: r, pos: pos, limit: limit}
}

// Pos returns the current stream position.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns how many bytes are left before the declared end.
func (r *Reader) Remaining() int { return r.limit - r.pos }

// ReadFull fills p, failing with ErrTruncated past the declared end or on
// a short source and with ErrIO on any other source failure.
func (r *Reader) ReadFull(p []byte) error {
	if len(p) > r.Remaining() {
		return fmt.Errorf("%w: need %d bytes at %d, stream ends at %d", ErrTruncated, len(p), r.pos, r.limit)
	}
	n, err := io.ReadFull(r.r, p)
	r.pos += n
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: source ended at %d, stream ends at %d", ErrTruncated, r.pos, r.limit)
	default:
		return errors.Join(ErrIO, err)
	}
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) error {
	for n > 0 {
		k := min(n, len(r.skipBuf))
		if err := r.ReadFull(r.skipBuf[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// Align skips the padding up to the next multiple of a.
func (r *Reader) Align(a int) error {
	return r.Skip(layout.Pad(r.pos, a))
}

// ReadLen reads a sequence length prefix.
func (r *Reader) ReadLen() (int, error) {
	if err := r.Align(8); err != nil {
		return 0, err
	}
	if err := r.ReadFull(r.scratch[:]); err != nil {
		return 0, err
	}
	return checkLen(binary.NativeEndian.Uint64(r.scratch[:]))
}

// Cursor walks a byte slice in place. It is the ε-copy counterpart of
// Reader: nothing is copied, callers take sub-slices of Data.
type Cursor struct {
	Data []byte
	Pos  int
}

// Remaining returns how many bytes are left.
func (c *Cursor) Remaining() int { return len(c.Data) - c.Pos }

// Align moves the position up to a multiple of a.
func (c *Cursor) Align(a int) error {
	pos := layout.Align(c.Pos, a)
	if pos > len(c.Data) {
		return fmt.Errorf("%w: padding to %d past end %d", ErrTruncated, pos, len(c.Data))
	}
	c.Pos = pos
	return nil
}

// Take returns the next n bytes without copying.
func (c *Cursor) Take(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at %d, have %d", ErrTruncated, n, c.Pos, c.Remaining())
	}
	b := c.Data[c.Pos : c.Pos+n : c.Pos+n]
	c.Pos += n
	return b, nil
}

// ReadLen reads a sequence length prefix.
func (c *Cursor) ReadLen() (int, error) {
	if err := c.Align(8); err != nil {
		return 0, err
	}
	b, err := c.Take(8)
	if err != nil {
		return 0, err
	}
	return checkLen(binary.NativeEndian.Uint64(b))
}

// checkLen rejects lengths that overflow int. Callers bound the length
// against the remaining bytes once they know the element size.
func checkLen(n uint64) (int, error) {
	if n > uint64(maxInt) {
		return 0, fmt.Errorf("%w: sequence length %d overflows", ErrTruncated, n)
	}
	return int(n), nil
}

const maxInt = int(^uint(0) >> 1)
