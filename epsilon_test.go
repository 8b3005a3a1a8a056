package epsilon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/quick"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawbytedev/epsilon/internal/common"
	"github.com/rawbytedev/epsilon/pkg/mem"
	"github.com/rawbytedev/epsilon/pkg/schema"
	"github.com/rawbytedev/epsilon/pkg/wire"
)

type Sample struct {
	A int32
	B []int64
}

// Point is flat, with 7 bytes of padding after Tag.
type Point struct {
	X, Y float64
	Tag  uint8
}

type Inner struct {
	Weights []float32
	Note    string
	Pos     Point
}

type Record struct {
	ID     uint64
	Name   string
	Tags   []string
	Points []Point
	Grid   [2][3]int16
	Nested Inner
	Matrix [][]uint32
	Flag   bool
	Labels [2]string
	Ratio  complex128
	Count  int
	Best   *Point
	Alias  *string
}

// Opaque is flat but opts out of aliasing.
type Opaque struct {
	A, B int64
}

func (Opaque) CopyType() Capability { return FullCopyOnly }

// Plain has the shape of Opaque.
type Plain struct {
	A, B int64
}

func sampleRecord() Record {
	return Record{
		ID:     42,
		Name:   "epsilon",
		Tags:   []string{"a", "", "long tag value"},
		Points: []Point{{1, 2, 3}, {-1.5, 0.25, 255}},
		Grid:   [2][3]int16{{1, 2, 3}, {-4, -5, -6}},
		Nested: Inner{
			Weights: []float32{0.5, 1.5},
			Note:    "nested",
			Pos:     Point{9, 8, 7},
		},
		Matrix: [][]uint32{{1}, nil, {2, 3, 4}},
		Flag:   true,
		Labels: [2]string{"left", "right"},
		Ratio:  complex(1, -2),
		Count:  -7,
		Best:   &Point{4, 5, 6},
	}
}

// aligned copies b into a fresh buffer aligned to 16 bytes.
func aligned(t testing.TB, b []byte) []byte {
	h, err := mem.NewHeap(len(b), 16)
	require.NoError(t, err)
	copy(h.Bytes(), b)
	return h.Bytes()
}

// inside reports whether p points into b.
func inside(b []byte, p unsafe.Pointer) bool {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	addr := uintptr(p)
	return addr >= base && addr < base+uintptr(len(b))
}

func TestSampleLayout(t *testing.T) {
	var buf bytes.Buffer
	s, err := SerializeWithSchema(&buf, Sample{A: 7, B: []int64{1, 2, 3}})
	require.NoError(t, err)

	// "epsilon.Sample" puts the payload at align(48+14, 16)
	require.Equal(t, 112, buf.Len())
	require.Len(t, s.Rows, 3)
	assert.Equal(t, "A", s.Rows[0].Path)
	assert.Equal(t, 64, s.Rows[0].Offset)
	assert.Equal(t, "B", s.Rows[1].Path)
	assert.Equal(t, 72, s.Rows[1].Offset)
	assert.Equal(t, "B[]", s.Rows[2].Path)
	assert.Equal(t, 80, s.Rows[2].Offset)
	assert.Equal(t, 24, s.Rows[2].Size)
}

func TestSampleEps(t *testing.T) {
	data, err := Marshal(Sample{A: 7, B: []int64{1, 2, 3}})
	require.NoError(t, err)
	data = aligned(t, data)

	v, n, err := DeserializeEps[Sample](data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, int32(7), v.A)
	require.Equal(t, []int64{1, 2, 3}, v.B)
	require.True(t, inside(data, unsafe.Pointer(&v.B[0])), "slice must alias the buffer")

	_, _, err = DeserializeEps[Sample](data[:len(data)-1])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestSentinelAliased(t *testing.T) {
	const sentinel = 0x5eed_cafe_f00d_beef
	data, err := Marshal(Sample{A: 1, B: []int64{sentinel, 2}})
	require.NoError(t, err)
	data = aligned(t, data)

	var pattern [8]byte
	binary.NativeEndian.PutUint64(pattern[:], sentinel)
	off := bytes.Index(data, pattern[:])
	require.Positive(t, off)
	require.Zero(t, off%8)

	v, _, err := DeserializeEps[Sample](data)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&data[off]), unsafe.Pointer(&v.B[0]))

	data[off] ^= 0xff
	require.NotEqual(t, int64(sentinel), v.B[0], "a write to the buffer shows through")
}

func TestFlatRootAliased(t *testing.T) {
	data, err := Marshal(Point{X: 1, Y: 2, Tag: 3})
	require.NoError(t, err)
	data = aligned(t, data)

	h, err := wire.ParseHeader(data)
	require.NoError(t, err)
	p, _, err := DeserializeEps[Point](data)
	require.NoError(t, err)
	require.Equal(t, Point{1, 2, 3}, *p)
	require.Equal(t, unsafe.Pointer(&data[h.PayloadOffset()]), unsafe.Pointer(p))
}

func TestRecordRoundTrip(t *testing.T) {
	in := sampleRecord()
	data, err := Marshal(&in)
	require.NoError(t, err)
	data = aligned(t, data)

	full, n, err := UnmarshalFull[Record](data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, in, full)

	eps, n, err := DeserializeEps[Record](data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, in, *eps)
	require.Equal(t, full, *eps)

	require.True(t, inside(data, unsafe.Pointer(unsafe.StringData(eps.Name))))
	require.True(t, inside(data, unsafe.Pointer(&eps.Points[0])))
	require.True(t, inside(data, unsafe.Pointer(&eps.Nested.Weights[0])))
	require.True(t, inside(data, unsafe.Pointer(&eps.Matrix[2][0])))
	require.True(t, inside(data, unsafe.Pointer(eps.Best)))
	require.Nil(t, eps.Alias)
	require.False(t, inside(data, unsafe.Pointer(&eps.Tags[0])), "the string headers themselves are allocated")

	got, err := DeserializeFull[Record](bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestFullCopyIndependent(t *testing.T) {
	in := sampleRecord()
	data, err := Marshal(in)
	require.NoError(t, err)

	out, _, err := UnmarshalFull[Record](data)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0
	}
	require.Equal(t, in, out)
}

func TestEmptySlicesDecodeNil(t *testing.T) {
	data, err := Marshal(Record{Tags: []string{}, Points: []Point{}, Matrix: [][]uint32{{}}})
	require.NoError(t, err)
	data = aligned(t, data)

	for _, r := range []Record{mustFull(t, data), *mustEps(t, data)} {
		require.Nil(t, r.Tags)
		require.Nil(t, r.Points)
		require.Len(t, r.Matrix, 1)
		require.Nil(t, r.Matrix[0])
	}
}

func mustFull(t *testing.T, data []byte) Record {
	r, _, err := UnmarshalFull[Record](data)
	require.NoError(t, err)
	return r
}

func mustEps(t *testing.T, data []byte) *Record {
	r, _, err := DeserializeEps[Record](data)
	require.NoError(t, err)
	return r
}

func TestDeterministic(t *testing.T) {
	a, err := Marshal(sampleRecord())
	require.NoError(t, err)
	b, err := Marshal(sampleRecord())
	require.NoError(t, err)
	require.Equal(t, a, b)

	// garbage in padding bytes must not reach the stream
	var pts [1]Point
	raw := common.Bytes(unsafe.Pointer(&pts[0]), int(unsafe.Sizeof(pts[0])))
	for i := range raw {
		raw[i] = 0xaa
	}
	pts[0].X, pts[0].Y, pts[0].Tag = 1, 2, 3
	dirty, err := Marshal(&pts[0])
	require.NoError(t, err)
	clean, err := Marshal(Point{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, clean, dirty)
}

func TestAlignmentRows(t *testing.T) {
	var buf bytes.Buffer
	s, err := SerializeWithSchema(&buf, sampleRecord())
	require.NoError(t, err)
	require.NotEmpty(t, s.Rows)
	for _, r := range s.Rows {
		require.Zero(t, r.Offset%r.Align, "%s at %d, align %d", r.Path, r.Offset, r.Align)
	}
	require.Zero(t, buf.Len()%16)
}

func TestSchemaMismatch(t *testing.T) {
	type Other struct {
		A int32
		C []int64
	}
	data, err := Marshal(Sample{A: 1})
	require.NoError(t, err)
	data = aligned(t, data)

	_, _, err = DeserializeEps[Other](data)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	require.NotEqual(t, se.Want, se.Got)
	require.Equal(t, "epsilon.Sample", se.GotType)

	_, err = DeserializeFull[Other](bytes.NewReader(data))
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestStructuralMatch(t *testing.T) {
	// same shape, declared elsewhere
	type SampleCopy struct {
		A int32
		B []int64
	}
	data, err := Marshal(Sample{A: 5, B: []int64{9}})
	require.NoError(t, err)
	v, _, err := UnmarshalFull[SampleCopy](data)
	require.NoError(t, err)
	require.Equal(t, SampleCopy{A: 5, B: []int64{9}}, v)
}

func TestLayoutMismatch(t *testing.T) {
	po, err := Register[Opaque]()
	require.NoError(t, err)
	pp, err := Register[Plain]()
	require.NoError(t, err)
	require.Equal(t, po.Fingerprint(), pp.Fingerprint())
	require.NotEqual(t, po.LayoutHash(), pp.LayoutHash())

	data, err := Marshal(Opaque{1, 2})
	require.NoError(t, err)
	_, _, err = UnmarshalFull[Plain](data)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	require.ErrorContains(t, err, "memory layout")
}

func TestForcedFullCopyNotAliased(t *testing.T) {
	type Holder struct {
		Items []Opaque
	}
	in := Holder{Items: []Opaque{{1, 2}, {3, 4}}}
	data, err := Marshal(in)
	require.NoError(t, err)
	data = aligned(t, data)

	v, _, err := DeserializeEps[Holder](data)
	require.NoError(t, err)
	require.Equal(t, in, *v)
	require.False(t, inside(data, unsafe.Pointer(&v.Items[0])))
}

func TestHeaderErrors(t *testing.T) {
	data, err := Marshal(Sample{A: 1})
	require.NoError(t, err)

	bad := aligned(t, data)
	bad[0] ^= 0xff
	_, _, err = DeserializeEps[Sample](bad)
	require.ErrorIs(t, err, ErrBadMagic)

	foreign := aligned(t, data)
	foreign[36] ^= 3 // endianness tag
	_, _, err = DeserializeEps[Sample](foreign)
	require.ErrorIs(t, err, ErrUnsupportedEndianness)
	_, err = DeserializeFull[Sample](bytes.NewReader(foreign))
	require.ErrorIs(t, err, ErrUnsupportedEndianness)

	_, _, err = DeserializeEps[Sample](data[:10])
	require.ErrorIs(t, err, ErrTruncated)
	_, err = DeserializeFull[Sample](bytes.NewReader(data[:10]))
	require.ErrorIs(t, err, ErrTruncated)
	_, err = DeserializeFull[Sample](bytes.NewReader(data[:len(data)-1]))
	require.ErrorIs(t, err, ErrTruncated)
	_, _, err = DeserializeEps[Sample](aligned(t, data[:len(data)-1]))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestMisaligned(t *testing.T) {
	data, err := Marshal(Sample{A: 1, B: []int64{1}})
	require.NoError(t, err)
	h, err := mem.NewHeap(len(data)+1, 16)
	require.NoError(t, err)
	shifted := h.Bytes()[1:]
	copy(shifted, data)

	_, _, err = DeserializeEps[Sample](shifted)
	require.ErrorIs(t, err, ErrMisaligned)

	// a full copy does not care where the bytes are
	v, _, err := UnmarshalFull[Sample](shifted)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, v.B)
}

func TestConcatenated(t *testing.T) {
	first, err := Marshal(Sample{A: 1, B: []int64{10}})
	require.NoError(t, err)
	second, err := Marshal(Sample{A: 2, B: []int64{20, 30}})
	require.NoError(t, err)
	data := aligned(t, append(append([]byte{}, first...), second...))

	a, n, err := DeserializeEps[Sample](data)
	require.NoError(t, err)
	require.Equal(t, len(first), n)
	b, m, err := DeserializeEps[Sample](data[n:])
	require.NoError(t, err)
	require.Equal(t, len(second), m)
	require.Equal(t, int32(1), a.A)
	require.Equal(t, []int64{20, 30}, b.B)

	r := bytes.NewReader(data)
	x, err := DeserializeFull[Sample](r)
	require.NoError(t, err)
	y, err := DeserializeFull[Sample](r)
	require.NoError(t, err)
	require.Equal(t, int32(1), x.A)
	require.Equal(t, int32(2), y.A)
	_, err = DeserializeFull[Sample](r)
	require.ErrorIs(t, err, ErrTruncated)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, errors.New("device gone") }

func TestIOErrors(t *testing.T) {
	_, err := Serialize(failWriter{}, Sample{A: 1})
	require.ErrorIs(t, err, ErrIO)

	_, err = DeserializeFull[Sample](failReader{})
	require.ErrorIs(t, err, ErrIO)

	data, err := Marshal(Sample{A: 1, B: []int64{1, 2}})
	require.NoError(t, err)
	r := io.MultiReader(bytes.NewReader(data[:70]), failReader{})
	_, err = DeserializeFull[Sample](r)
	require.ErrorIs(t, err, ErrIO)
}

func TestUnsupported(t *testing.T) {
	type WithMap struct{ M map[string]int }
	type WithChan struct{ C *chan int }
	type WithIface struct{ V any }

	_, err := Marshal(WithMap{})
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = Register[WithChan]()
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = Register[WithIface]()
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = Marshal(nil)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = Marshal((*Sample)(nil))
	require.ErrorIs(t, err, ErrUnsupported)
}

type tree struct {
	Value    int32
	Children []tree
}

type list struct {
	Value int32
	Next  *list
}

func TestRecursiveType(t *testing.T) {
	_, err := Register[tree]()
	require.ErrorIs(t, err, ErrUnsupported)
	require.ErrorContains(t, err, "refers to itself")

	_, err = Register[list]()
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRegisterConcurrent(t *testing.T) {
	type Fresh struct {
		A []string
		B [3]Point
	}
	done := make(chan *TypeDescriptor, 8)
	for i := 0; i < 8; i++ {
		go func() {
			d, err := Register[Fresh]()
			if err != nil {
				d = nil
			}
			done <- d
		}()
	}
	first := <-done
	require.NotNil(t, first)
	for i := 1; i < 8; i++ {
		d := <-done
		require.NotNil(t, d)
		require.Equal(t, first.Fingerprint(), d.Fingerprint())
	}
	again, err := Register[Fresh]()
	require.NoError(t, err)
	require.Same(t, again, must(Register[Fresh]()))
}

func must(d *TypeDescriptor, err error) *TypeDescriptor {
	if err != nil {
		panic(err)
	}
	return d
}

type badEligible struct{ S string }

func (badEligible) CopyType() Capability { return EpsCopyEligible }

func TestBadEligibleDeclaration(t *testing.T) {
	_, err := Register[badEligible]()
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestCapabilityInference(t *testing.T) {
	for _, c := range []struct {
		d    func() (*TypeDescriptor, error)
		want Capability
	}{
		{Register[Point], EpsCopyEligible},
		{Register[[4]Point], EpsCopyEligible},
		{Register[Sample], FullCopyOnly},
		{Register[Opaque], FullCopyOnly},
		{Register[[2]string], FullCopyOnly},
		{Register[[2]*int32], FullCopyOnly},
		{Register[struct{ P *Point }], FullCopyOnly},
		{Register[struct{}], EpsCopyEligible},
	} {
		d, err := c.d()
		require.NoError(t, err)
		require.Equal(t, c.want, d.Capability, d.Type.String())
	}
}

func TestZeroSizedElements(t *testing.T) {
	type Marks struct {
		Set []struct{}
	}
	data, err := Marshal(Marks{Set: make([]struct{}, 5)})
	require.NoError(t, err)
	data = aligned(t, data)
	v, _, err := DeserializeEps[Marks](data)
	require.NoError(t, err)
	require.Len(t, v.Set, 5)
	f, _, err := UnmarshalFull[Marks](data)
	require.NoError(t, err)
	require.Len(t, f.Set, 5)
}

func TestQuickRoundTrip(t *testing.T) {
	type Q struct {
		A int32
		B []int64
		S string
		F [3]float64
	}
	prop := func(a int32, b []int64, s string, f [3]float64) bool {
		in := Q{A: a, B: b, S: s, F: f}
		data, err := Marshal(in)
		if err != nil {
			return false
		}
		data = aligned(t, data)
		full, _, err := UnmarshalFull[Q](data)
		if err != nil {
			return false
		}
		eps, _, err := DeserializeEps[Q](data)
		if err != nil {
			return false
		}
		for _, out := range []Q{full, *eps} {
			if out.A != a || out.S != s || out.F != f || len(out.B) != len(b) {
				return false
			}
			for i := range b {
				if out.B[i] != b[i] {
					return false
				}
			}
		}
		return true
	}
	require.NoError(t, quick.Check(prop, nil))
}

// row returns the schema row recorded for path.
func row(t *testing.T, s *schema.Schema, path string) schema.Row {
	t.Helper()
	for _, r := range s.Rows {
		if r.Path == path {
			return r
		}
	}
	t.Fatalf("no row %q", path)
	return schema.Row{}
}

// byteOf reads the byte a bool is stored in.
func byteOf(b *bool) byte { return *(*byte)(unsafe.Pointer(b)) }

type Flagged struct {
	Name string
	Flag bool
	Bits [3]bool
	Set  []bool
}

func TestCorruptBoolNormalized(t *testing.T) {
	var buf bytes.Buffer
	s, err := SerializeWithSchema(&buf, Flagged{Name: "f", Bits: [3]bool{true, false, true}, Set: []bool{false, true}})
	require.NoError(t, err)
	data := aligned(t, buf.Bytes())
	data[row(t, s, "Flag").Offset] = 2
	data[row(t, s, "Bits").Offset+1] = 0x80
	data[row(t, s, "Set[]").Offset] = 7

	full, _, err := UnmarshalFull[Flagged](data)
	require.NoError(t, err)
	require.True(t, full.Flag)
	require.Equal(t, byte(1), byteOf(&full.Flag))
	require.Equal(t, [3]bool{true, true, true}, full.Bits)
	require.Equal(t, byte(1), byteOf(&full.Bits[1]))
	require.Equal(t, byte(1), byteOf(&full.Set[0]))

	eps, _, err := DeserializeEps[Flagged](data)
	require.NoError(t, err)
	require.Equal(t, byte(1), byteOf(&eps.Flag))
	require.Equal(t, byte(1), byteOf(&eps.Bits[1]))
	// Set aliases the buffer and is read as stored
	require.True(t, inside(data, unsafe.Pointer(&eps.Set[0])))
}

func TestCorruptBoolFlatRoot(t *testing.T) {
	type Switch struct {
		On    bool
		Level int32
	}
	data, err := Marshal(Switch{On: true, Level: 3})
	require.NoError(t, err)
	h, err := wire.ParseHeader(data)
	require.NoError(t, err)
	data[h.PayloadOffset()] = 0xff

	v, _, err := UnmarshalFull[Switch](data)
	require.NoError(t, err)
	require.Equal(t, byte(1), byteOf(&v.On))
	require.Equal(t, int32(3), v.Level)
}

type Maybe struct {
	ID     uint32
	Score  *float64
	Label  *string
	Origin *Point
	Path   *[]int32
	Next   **int16
}

func TestOptionRoundTrip(t *testing.T) {
	score, label, n := 0.75, "label", int16(-3)
	pn := &n
	for _, in := range []Maybe{
		{ID: 1},
		{ID: 2, Score: &score, Label: &label, Origin: &Point{1, 2, 3}, Path: &[]int32{4, 5}, Next: &pn},
		{ID: 3, Label: new(string), Path: new([]int32), Next: new(*int16)},
	} {
		data, err := Marshal(in)
		require.NoError(t, err)
		data = aligned(t, data)

		full, _, err := UnmarshalFull[Maybe](data)
		require.NoError(t, err)
		require.Equal(t, in, full)

		eps, _, err := DeserializeEps[Maybe](data)
		require.NoError(t, err)
		require.Equal(t, in, *eps)
	}
}

func TestOptionAliased(t *testing.T) {
	score := 1.5
	in := Maybe{Score: &score, Origin: &Point{7, 8, 9}}
	data, err := Marshal(in)
	require.NoError(t, err)
	data = aligned(t, data)

	eps, _, err := DeserializeEps[Maybe](data)
	require.NoError(t, err)
	require.True(t, inside(data, unsafe.Pointer(eps.Score)))
	require.True(t, inside(data, unsafe.Pointer(eps.Origin)))
	require.Zero(t, uintptr(unsafe.Pointer(eps.Score))%8)

	full, _, err := UnmarshalFull[Maybe](data)
	require.NoError(t, err)
	require.False(t, inside(data, unsafe.Pointer(full.Origin)))
}

func TestOptionBadTag(t *testing.T) {
	var buf bytes.Buffer
	s, err := SerializeWithSchema(&buf, Maybe{ID: 1})
	require.NoError(t, err)
	r := row(t, s, "Score")
	require.Equal(t, "tag", r.Type)
	data := aligned(t, buf.Bytes())
	data[r.Offset] = 7

	_, _, err = UnmarshalFull[Maybe](data)
	require.ErrorIs(t, err, ErrInvalidTag)
	_, _, err = DeserializeEps[Maybe](data)
	require.ErrorIs(t, err, ErrInvalidTag)
}

func FuzzDeserialize(f *testing.F) {
	good, err := Marshal(sampleRecord())
	if err != nil {
		f.Fatal(err)
	}
	f.Add(good)
	f.Add(good[:len(good)/2])
	short, err := Marshal(Record{Name: "x"})
	if err != nil {
		f.Fatal(err)
	}
	f.Add(short)
	f.Fuzz(func(t *testing.T, data []byte) {
		data = aligned(t, data)
		// corrupt input must fail cleanly, never panic
		_, _, _ = DeserializeEps[Record](data)
		_, _, _ = UnmarshalFull[Record](data)
	})
}
