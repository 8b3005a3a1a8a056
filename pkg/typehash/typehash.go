// Package typehash computes the structural fingerprints stored in stream
// headers.
//
// Two hashes are kept per type. The fingerprint covers the shape of the
// type: kinds, primitive widths, field names in order, array lengths and
// the fingerprints of nested types. Type names and package paths are not
// part of it, so identical shapes declared in different places match. The
// layout hash covers how the shape is laid out in memory on this machine:
// sizes, alignments, field offsets and the copy capability. Either hash
// differing means the stream cannot be read as the expected type.
package typehash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Size is the fingerprint length in bytes.
const Size = 16

// Fingerprint is a truncated BLAKE3 digest over a type's shape.
type Fingerprint [Size]byte

// Node is the view of a type descriptor the hashes need.
type Node interface {
	// Token names the kind: "i32", "f64", "string", "slice", "array",
	// "option", "struct" and so on.
	Token() string
	Size() int
	Align() int
	Eligible() bool
	// Len is the element count of an array and 0 otherwise.
	Len() int
	NumChildren() int
	// Child returns the i-th field (struct) or the element (slice, array,
	// pointer, with an empty name and offset 0).
	Child(i int) (name string, offset int, n Node)
	// Fingerprint returns the already computed fingerprint. Of calls it on
	// children only, so nested types are hashed once.
	Fingerprint() Fingerprint
}

// Of computes the fingerprint of n.
func Of(n Node) Fingerprint {
	h := blake3.New()
	var num [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(num[:], uint64(v))
		_, _ = h.Write(num[:])
	}
	putStr := func(s string) {
		putInt(len(s))
		_, _ = h.Write([]byte(s))
	}

	putStr(n.Token())
	if n.NumChildren() == 0 {
		// primitive: its width is part of the shape
		putInt(n.Size())
	}
	putInt(n.Len())
	putInt(n.NumChildren())
	for i := 0; i < n.NumChildren(); i++ {
		name, _, child := n.Child(i)
		putStr(name)
		fp := child.Fingerprint()
		_, _ = h.Write(fp[:])
	}

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// LayoutHash computes the memory layout hash of n.
func LayoutHash(n Node) uint64 {
	d := xxhash.New()
	writeLayout(d, n)
	return d.Sum64()
}

func writeLayout(d *xxhash.Digest, n Node) {
	var num [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(num[:], uint64(v))
		_, _ = d.Write(num[:])
	}
	_, _ = d.WriteString(n.Token())
	putInt(n.Size())
	putInt(n.Align())
	if n.Eligible() {
		putInt(1)
	} else {
		putInt(0)
	}
	putInt(n.NumChildren())
	for i := 0; i < n.NumChildren(); i++ {
		_, off, child := n.Child(i)
		putInt(off)
		writeLayout(d, child)
	}
}

// String returns the hex form of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Parse decodes the hex form produced by String.
func Parse(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(b) != Size {
		return fp, fmt.Errorf("fingerprint is %d bytes, want %d", len(b), Size)
	}
	copy(fp[:], b)
	return fp, nil
}
