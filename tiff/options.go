package tiff

import (
	"strings"
	"time"
)

// Options configure a Writer.
type Options struct {
	// BytesPerPixel is the size of one sample: 1, 2 or 4.
	BytesPerPixel int

	// Software is stored in every page's Software tag. It must be 7-bit
	// ASCII without NUL bytes.
	Software string

	// DateTime is stored in every page's DateTime tag. The zero value
	// means the time the writer is created.
	DateTime time.Time

	// Sync flushes file data to stable storage before Close releases a
	// file opened by Create.
	Sync bool
}

// DefaultOptions returns 16-bit samples, software "unknown" and the
// current time.
func DefaultOptions() Options {
	return Options{
		BytesPerPixel: 2,
		Software:      "unknown",
	}
}

func (o Options) validate() error {
	switch o.BytesPerPixel {
	case 1, 2, 4:
	default:
		return causef(ErrInvalidOptions, "bytes per pixel %d, want 1, 2 or 4", o.BytesPerPixel)
	}
	for i := 0; i < len(o.Software); i++ {
		if c := o.Software[i]; c == 0 || c > 0x7f {
			return causef(ErrInvalidOptions, "software %q: byte %d is not printable ascii", o.Software, i)
		}
	}
	return nil
}

// asciiField returns s as a NUL-terminated TIFF ASCII value.
func asciiField(s string) []byte {
	return append([]byte(s), 0)
}

// dateTimeField renders t in the TIFF DateTime form "YYYY:MM:DD HH:MM:SS".
func dateTimeField(t time.Time) []byte {
	b := asciiField(t.Format("2006:01:02 15:04:05"))
	if len(b) != dateTimeLen {
		// Years outside 0000-9999 do not fit the fixed-width field.
		b = asciiField(strings.Repeat(" ", dateTimeLen-1))
	}
	return b
}
