//go:build !(darwin || linux)

package mem

// Map is unavailable on this platform; every constructor fails with
// ErrUnsupportedPlatform.
type Map struct{}

func MapFile(string, Flags) (*Map, error)  { return nil, ErrUnsupportedPlatform }
func MapAnon(int, Flags) (*Map, error)     { return nil, ErrUnsupportedPlatform }
func ReadFile(string, Flags) (*Map, error) { return nil, ErrUnsupportedPlatform }

func (*Map) Writable() []byte { return nil }
func (*Map) Freeze() error    { return ErrUnsupportedPlatform }
func (*Map) Bytes() []byte    { return nil }
func (*Map) Len() int         { return 0 }
func (*Map) Align() int       { return 1 }
func (*Map) Kind() Kind       { return KindMap }
func (*Map) Close() error     { return nil }
