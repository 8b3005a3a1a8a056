// Package wire defines the stream header and the position-tracking
// readers and writers the serializer and deserializers run on.
//
// Multi-byte header fields are written in native byte order. No byte
// swapping is ever performed: a stream written on a machine of the other
// endianness is rejected.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"unsafe"

	"github.com/rawbytedev/epsilon/pkg/layout"
)

const (
	Magic        uint64 = 0x4550534c4f4e0001 // "EPSLON" + 0001
	VersionMajor        = 1
	VersionMinor        = 0

	FingerprintSize = 16
	HeaderSize      = 48 // fixed part, type name follows
	MaxNameLen      = 1<<16 - 1

	TagLittle byte = 1
	TagBig    byte = 2
)

// Header field offsets.
const (
	offMagic       = 0
	offMajor       = 8
	offMinor       = 10
	offFingerprint = 12
	offTotal       = 28
	offEndian      = 36
	offWordSize    = 37
	offNameLen     = 38
	offLayoutHash  = 40
)

var (
	ErrTruncated             = errors.New("truncated data")
	ErrBadMagic              = errors.New("not an epsilon stream")
	ErrUnsupportedEndianness = errors.New("unsupported endianness")
	ErrVersion               = errors.New("format version mismatch")
	ErrWordSize              = errors.New("word size mismatch")
)

// WordSize is the size in bytes of int, uint and uintptr on this machine.
const WordSize = strconv.IntSize / 8

// Header is the fixed stream header plus the diagnostic type name.
type Header struct {
	Magic       uint64
	Major       uint16
	Minor       uint16
	Fingerprint [FingerprintSize]byte
	TotalLen    uint64 // header + payload + tail padding
	Endian      byte
	WordSize    byte
	LayoutHash  uint64
	TypeName    string
}

// NativeTag returns the endianness tag of the running machine.
func NativeTag() byte {
	var one uint16 = 1
	if *(*byte)(unsafe.Pointer(&one)) == 1 {
		return TagLittle
	}
	return TagBig
}

// New returns a header for the running machine with the current version.
func New(fp [FingerprintSize]byte, layoutHash uint64, name string) Header {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	return Header{
		Magic:       Magic,
		Major:       VersionMajor,
		Minor:       VersionMinor,
		Fingerprint: fp,
		Endian:      NativeTag(),
		WordSize:    WordSize,
		LayoutHash:  layoutHash,
		TypeName:    name,
	}
}

// PayloadOffset is where the payload starts, relative to the stream start.
func (h Header) PayloadOffset() int {
	return layout.Align(HeaderSize+len(h.TypeName), layout.MinBaseAlign)
}

// Size is the encoded header length, padding to the payload included.
func (h Header) Size() int {
	return h.PayloadOffset()
}

// EncodeHeader appends the encoded header, padded to the payload offset.
func EncodeHeader(buf []byte, h Header) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, h.Size())...)
	b := buf[start:]
	ne := binary.NativeEndian
	ne.PutUint64(b[offMagic:], h.Magic)
	ne.PutUint16(b[offMajor:], h.Major)
	ne.PutUint16(b[offMinor:], h.Minor)
	copy(b[offFingerprint:offFingerprint+FingerprintSize], h.Fingerprint[:])
	ne.PutUint64(b[offTotal:], h.TotalLen)
	b[offEndian] = h.Endian
	b[offWordSize] = h.WordSize
	ne.PutUint16(b[offNameLen:], uint16(len(h.TypeName)))
	ne.PutUint64(b[offLayoutHash:], h.LayoutHash)
	copy(b[HeaderSize:], h.TypeName)
	return buf
}

// ParseHeader decodes and validates the fixed header at the start of buf.
// It checks, in order: length, magic, endianness tag, version and word
// size. The fingerprint is left to the caller, which knows the expected
// type. The type name is decoded only when buf holds it; callers that read
// from a stream pass exactly HeaderSize bytes and read the name separately.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(buf), HeaderSize)
	}
	ne := binary.NativeEndian
	h := Header{Magic: ne.Uint64(buf[offMagic:])}
	switch h.Magic {
	case Magic:
	case swap64(Magic):
		return Header{}, fmt.Errorf("%w: stream byte order is reversed", ErrUnsupportedEndianness)
	default:
		return Header{}, fmt.Errorf("%w: magic %#016x", ErrBadMagic, h.Magic)
	}
	h.Endian = buf[offEndian]
	if h.Endian != NativeTag() {
		return Header{}, fmt.Errorf("%w: stream tag %d, native tag %d", ErrUnsupportedEndianness, h.Endian, NativeTag())
	}
	h.Major = ne.Uint16(buf[offMajor:])
	h.Minor = ne.Uint16(buf[offMinor:])
	if h.Major != VersionMajor {
		return Header{}, fmt.Errorf("%w: major %d, expected %d", ErrVersion, h.Major, VersionMajor)
	}
	if h.Minor > VersionMinor {
		return Header{}, fmt.Errorf("%w: minor %d is newer than %d", ErrVersion, h.Minor, VersionMinor)
	}
	h.WordSize = buf[offWordSize]
	if h.WordSize != WordSize {
		return Header{}, fmt.Errorf("%w: stream word is %d bytes, native word is %d", ErrWordSize, h.WordSize, WordSize)
	}
	copy(h.Fingerprint[:], buf[offFingerprint:offFingerprint+FingerprintSize])
	h.TotalLen = ne.Uint64(buf[offTotal:])
	h.LayoutHash = ne.Uint64(buf[offLayoutHash:])
	nameLen := int(ne.Uint16(buf[offNameLen:]))
	if len(buf) >= HeaderSize+nameLen {
		h.TypeName = string(buf[HeaderSize : HeaderSize+nameLen])
	}
	if h.TotalLen < uint64(HeaderSize+nameLen) {
		return Header{}, fmt.Errorf("%w: declared length %d shorter than header", ErrTruncated, h.TotalLen)
	}
	return h, nil
}

// NameLen returns the declared type name length of an encoded header.
func NameLen(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	return int(binary.NativeEndian.Uint16(buf[offNameLen:]))
}

func swap64(x uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return binary.BigEndian.Uint64(b[:])
}
