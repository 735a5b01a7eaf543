package tiff

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errgo"
)

// Byte order markers found in the first two bytes of a TIFF file.
var (
	LittleEndianMarker = []byte{'I', 'I'}
	BigEndianMarker    = []byte{'M', 'M'}
)

// Magic is the format identifier following the byte order marker.
const Magic = 42

// HeaderSize is the size of the file header: marker, magic and first IFD offset.
const HeaderSize = 8

// byteOrder is the byte order of every file this package writes.
var byteOrder = binary.LittleEndian

// Baseline tag IDs used by the writer.
const (
	TagNewSubfileType            uint16 = 254
	TagImageWidth                uint16 = 256
	TagImageLength               uint16 = 257
	TagBitsPerSample             uint16 = 258
	TagCompression               uint16 = 259
	TagPhotometricInterpretation uint16 = 262
	TagStripOffsets              uint16 = 273
	TagSamplesPerPixel           uint16 = 277
	TagRowsPerStrip              uint16 = 278
	TagStripByteCounts           uint16 = 279
	TagXResolution               uint16 = 282
	TagYResolution               uint16 = 283
	TagResolutionUnit            uint16 = 296
	TagSoftware                  uint16 = 305
	TagDateTime                  uint16 = 306
)

// NewSubfileType values.
const (
	SubfileSingle = 0 // the only image in the file
	SubfilePage   = 2 // one page of a multi-page image
)

// Values of the Compression, PhotometricInterpretation and ResolutionUnit
// records the writer emits.
const (
	CompressionNone       = 1
	PhotometricMinIsBlack = 1
	ResolutionUnitNone    = 1
)

// Directory layout.
const (
	recordSize          = 12
	recordsPerPage      = 15
	directorySize       = 2 + recordsPerPage*recordSize + 4
	resolutionBlockSize = 16
	dateTimeLen         = 20 // "YYYY:MM:DD HH:MM:SS" + NUL
)

// Errors returned by this package are errgo errors whose cause is one of
// the values below; compare with errgo.Cause(err).
var (
	ErrIO               = errgo.New("tiff: i/o fault")
	ErrMalformedRecord  = errgo.New("tiff: malformed record")
	ErrSizeMismatch     = errgo.New("tiff: pixel buffer does not match geometry")
	ErrInvalidState     = errgo.New("tiff: invalid writer state")
	ErrOffsetMismatch   = errgo.New("tiff: write position does not match layout")
	ErrFileTooLarge     = errgo.New("tiff: file exceeds 4 GiB offset range")
	ErrInvalidOptions   = errgo.New("tiff: invalid options")
	ErrInvalidHeader    = errgo.New("tiff: invalid header")
	ErrInvalidDirectory = errgo.New("tiff: invalid directory")
	ErrPageOutOfRange   = errgo.New("tiff: page index out of range")
	ErrUnsupported      = errgo.New("tiff: unsupported image layout")
)

// causef returns an error caused by cause, annotated with a formatted message.
func causef(cause error, format string, args ...interface{}) error {
	return errgo.WithCausef(nil, cause, "%v: %s", cause, fmt.Sprintf(format, args...))
}

// ioFault wraps an underlying read, write or seek failure.
func ioFault(err error, op string) error {
	return errgo.WithCausef(err, ErrIO, "tiff: %s", op)
}
