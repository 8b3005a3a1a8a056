package epsilon

import (
	"errors"
	"fmt"

	"github.com/rawbytedev/epsilon/pkg/mem"
	"github.com/rawbytedev/epsilon/pkg/typehash"
	"github.com/rawbytedev/epsilon/pkg/wire"
)

var (
	ErrIO                    = wire.ErrIO
	ErrTruncated             = wire.ErrTruncated
	ErrBadMagic              = wire.ErrBadMagic
	ErrUnsupportedEndianness = wire.ErrUnsupportedEndianness
	ErrVersion               = wire.ErrVersion
	ErrWordSize              = wire.ErrWordSize

	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrMisaligned     = errors.New("misaligned data")
	ErrUnsupported    = errors.New("unsupported type")
	ErrClosed         = errors.New("case is closed")
	ErrMoved          = errors.New("case was moved")
	ErrInvalidTag     = errors.New("invalid option tag")

	ErrUnsupportedPlatform = mem.ErrUnsupportedPlatform
)

// SchemaError reports a stream whose type does not match the type it is
// being read as.
type SchemaError struct {
	Want, Got             typehash.Fingerprint
	WantLayout, GotLayout uint64
	WantType, GotType     string
}

func (e *SchemaError) Error() string {
	if e.Want == e.Got {
		return fmt.Sprintf("%v: %s and %s share a shape but not a memory layout (%#x != %#x)",
			ErrSchemaMismatch, e.GotType, e.WantType, e.GotLayout, e.WantLayout)
	}
	return fmt.Sprintf("%v: stream holds %s (%s), expected %s (%s)",
		ErrSchemaMismatch, e.GotType, e.Got, e.WantType, e.Want)
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }
