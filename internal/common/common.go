package common

import (
	"reflect"
	"unsafe"
)

// IsFixedKind reports whether k is a fixed-size primitive kind.
func IsFixedKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}

// Token returns the name a primitive kind is hashed under. Word-sized
// integers get their own tokens: their width is checked separately
// through the header word size.
func Token(k reflect.Kind) string {
	switch k {
	case reflect.Bool:
		return "bool"
	case reflect.Int:
		return "isize"
	case reflect.Int8:
		return "i8"
	case reflect.Int16:
		return "i16"
	case reflect.Int32:
		return "i32"
	case reflect.Int64:
		return "i64"
	case reflect.Uint:
		return "usize"
	case reflect.Uint8:
		return "u8"
	case reflect.Uint16:
		return "u16"
	case reflect.Uint32:
		return "u32"
	case reflect.Uint64:
		return "u64"
	case reflect.Uintptr:
		return "uptr"
	case reflect.Float32:
		return "f32"
	case reflect.Float64:
		return "f64"
	case reflect.Complex64:
		return "c64"
	case reflect.Complex128:
		return "c128"
	case reflect.String:
		return "string"
	case reflect.Slice:
		return "slice"
	case reflect.Array:
		return "array"
	case reflect.Struct:
		return "struct"
	case reflect.Pointer:
		return "option"
	default:
		return k.String()
	}
}

// Slice mirrors the runtime slice header. Used to reach the backing array
// of a slice of any element type through an unsafe.Pointer to the slice.
type Slice struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}

// Bytes views size bytes at p as a byte slice without copying.
func Bytes(p unsafe.Pointer, size int) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), size)
}

// Add offsets p by off bytes.
func Add(p unsafe.Pointer, off uintptr) unsafe.Pointer {
	return unsafe.Add(p, off)
}

// AliasSlice stores into dst (a pointer to a slice of type t) a slice of n
// elements whose backing array is b. b must be aligned for t's element
// and hold n elements; the element type must be pointer free.
func AliasSlice(dst unsafe.Pointer, t reflect.Type, b []byte, n int) {
	v := reflect.NewAt(t, dst).Elem()
	if n == 0 {
		v.SetZero()
		return
	}
	var data unsafe.Pointer
	if len(b) > 0 {
		data = unsafe.Pointer(unsafe.SliceData(b))
	} else {
		// zero-sized elements still need a non-nil array pointer
		data = unsafe.Pointer(&zerobase)
	}
	v.Set(reflect.SliceAt(t.Elem(), data, n))
}

// AliasString stores into dst (a pointer to a string) a string backed by b.
func AliasString(dst unsafe.Pointer, b []byte) {
	if len(b) == 0 {
		*(*string)(dst) = ""
		return
	}
	*(*string)(dst) = unsafe.String(unsafe.SliceData(b), len(b))
}

var zerobase uintptr
