package tiff

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/bits"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Directory is one decoded image file directory.
type Directory struct {
	Offset  int64    // file offset of the record count
	Records []Record // in file order
	Next    uint32   // offset of the next directory, 0 for the last
}

// Record returns the record with the given tag.
func (d *Directory) Record(tag uint16) (Record, bool) {
	for _, r := range d.Records {
		if r.Tag == tag {
			return r, true
		}
	}
	return Record{}, false
}

// Uint returns the value of a single Short or Long record.
func (d *Directory) Uint(tag uint16) (uint32, bool) {
	r, ok := d.Record(tag)
	if !ok || r.Count != 1 || (r.Type != Short && r.Type != Long) {
		return 0, false
	}
	return r.Value, true
}

func (d *Directory) uintOr(tag uint16, def uint32) uint32 {
	if v, ok := d.Uint(tag); ok {
		return v
	}
	return def
}

// Width returns the ImageWidth value, or 0 if it is missing.
func (d *Directory) Width() int { return int(d.uintOr(TagImageWidth, 0)) }

// Height returns the ImageLength value, or 0 if it is missing.
func (d *Directory) Height() int { return int(d.uintOr(TagImageLength, 0)) }

// BitsPerSample returns the sample depth, 1 if the record is missing.
func (d *Directory) BitsPerSample() int { return int(d.uintOr(TagBitsPerSample, 1)) }

// SubfileType returns the NewSubfileType value, SubfileSingle if it is missing.
func (d *Directory) SubfileType() int { return int(d.uintOr(TagNewSubfileType, SubfileSingle)) }

// File is a parsed TIFF file. Only the directory chain is decoded up
// front; pixel data is read on demand.
type File struct {
	r     io.ReaderAt
	size  int64
	order binary.ByteOrder
	first uint32
	pages []*Directory

	data mmap.MMap // set by Open
	file *os.File
}

// Open memory-maps the file at path and parses its directory chain.
func Open(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ioFault(err, "open "+path)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ioFault(err, "stat "+path)
	}
	if st.Size() < HeaderSize {
		file.Close()
		return nil, causef(ErrInvalidHeader, "%s: %d bytes is too short", path, st.Size())
	}

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		file.Close()
		return nil, ioFault(err, "map "+path)
	}

	f, err := OpenReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		data.Unmap()
		file.Close()
		return nil, err
	}
	f.data = data
	f.file = file
	return f, nil
}

// OpenReader parses the header and every directory reachable from it.
// Both byte orders are accepted.
func OpenReader(r io.ReaderAt, size int64) (*File, error) {
	f := &File{r: r, size: size}

	if size < HeaderSize {
		return nil, causef(ErrInvalidHeader, "%d bytes is too short", size)
	}
	var hdr [HeaderSize]byte
	if n, err := r.ReadAt(hdr[:], 0); n < len(hdr) {
		return nil, ioFault(err, "read header")
	}
	switch {
	case bytes.Equal(hdr[:2], LittleEndianMarker):
		f.order = binary.LittleEndian
	case bytes.Equal(hdr[:2], BigEndianMarker):
		f.order = binary.BigEndian
	default:
		return nil, causef(ErrInvalidHeader, "byte order marker %q", hdr[:2])
	}
	if m := f.order.Uint16(hdr[2:4]); m != Magic {
		return nil, causef(ErrInvalidHeader, "magic %d", m)
	}
	f.first = f.order.Uint32(hdr[4:8])
	if f.first == 0 {
		return nil, causef(ErrInvalidHeader, "no directories")
	}

	seen := make(map[uint32]bool)
	for off := f.first; off != 0; {
		if seen[off] {
			return nil, causef(ErrInvalidDirectory, "directory chain loops back to %d", off)
		}
		seen[off] = true

		d, err := f.readDirectory(off)
		if err != nil {
			return nil, err
		}
		f.pages = append(f.pages, d)
		off = d.Next
	}
	return f, nil
}

func (f *File) readDirectory(off uint32) (*Directory, error) {
	nb, err := f.readAt(int64(off), 2)
	if err != nil {
		return nil, err
	}
	n := int64(f.order.Uint16(nb))
	buf, err := f.readAt(int64(off)+2, n*recordSize+4)
	if err != nil {
		return nil, err
	}

	d := &Directory{Offset: int64(off), Records: make([]Record, n)}
	for i := range d.Records {
		b := buf[i*recordSize : (i+1)*recordSize]
		r := Record{
			Tag:   f.order.Uint16(b[0:2]),
			Type:  FieldType(f.order.Uint16(b[2:4])),
			Count: f.order.Uint32(b[4:8]),
			Value: f.order.Uint32(b[8:12]),
		}
		if r.Type == Short && r.Count == 1 {
			r.Value = uint32(f.order.Uint16(b[8:10]))
		}
		d.Records[i] = r
	}
	d.Next = f.order.Uint32(buf[n*recordSize:])
	return d, nil
}

// readAt returns n bytes at off. Ranges outside the file are reported as
// ErrInvalidDirectory, since only directory values point into the file.
func (f *File) readAt(off, n int64) ([]byte, error) {
	if err := f.within(off, n); err != nil {
		return nil, err
	}
	if f.data != nil {
		return f.data[off : off+n], nil
	}
	b := make([]byte, n)
	if m, err := f.r.ReadAt(b, off); m < len(b) {
		return nil, ioFault(err, "read")
	}
	return b, nil
}

func (f *File) within(off, n int64) error {
	if off < 0 || n < 0 || off > f.size || n > f.size-off {
		return causef(ErrInvalidDirectory, "range [%d, %d) outside %d byte file", off, off+n, f.size)
	}
	return nil
}

// raw returns the data bytes of a record, either from its value field or
// from the offset the value field points to.
func (f *File) raw(r Record) ([]byte, error) {
	size := int64(r.Type.Size()) * int64(r.Count)
	if size == 0 {
		return nil, causef(ErrInvalidDirectory, "tag %d: %v with count %d", r.Tag, r.Type, r.Count)
	}
	if r.inline() {
		b := make([]byte, 4)
		if r.Type == Short && r.Count == 1 {
			f.order.PutUint16(b, uint16(r.Value))
		} else {
			f.order.PutUint32(b, r.Value)
		}
		return b[:size], nil
	}
	return f.readAt(int64(r.Value), size)
}

// uints decodes a Short or Long record of any count.
func (f *File) uints(r Record) ([]uint32, error) {
	if r.Type != Short && r.Type != Long {
		return nil, causef(ErrUnsupported, "tag %d: %v values", r.Tag, r.Type)
	}
	b, err := f.raw(r)
	if err != nil {
		return nil, err
	}
	vals := make([]uint32, r.Count)
	for i := range vals {
		if r.Type == Short {
			vals[i] = uint32(f.order.Uint16(b[2*i:]))
		} else {
			vals[i] = f.order.Uint32(b[4*i:])
		}
	}
	return vals, nil
}

// ByteOrder returns the byte order declared in the header.
func (f *File) ByteOrder() binary.ByteOrder {
	return f.order
}

// FirstOffset returns the header's first-directory offset.
func (f *File) FirstOffset() uint32 {
	return f.first
}

// NumPages returns the number of directories in the chain.
func (f *File) NumPages() int {
	return len(f.pages)
}

// Page returns the directory of page i, or nil if i is out of range.
func (f *File) Page(i int) *Directory {
	if i < 0 || i >= len(f.pages) {
		return nil
	}
	return f.pages[i]
}

func (f *File) page(i int) (*Directory, error) {
	d := f.Page(i)
	if d == nil {
		return nil, causef(ErrPageOutOfRange, "page %d of %d", i, len(f.pages))
	}
	return d, nil
}

// Text returns an ASCII value of page i without its NUL terminator.
func (f *File) Text(i int, tag uint16) (string, error) {
	d, err := f.page(i)
	if err != nil {
		return "", err
	}
	r, ok := d.Record(tag)
	if !ok {
		return "", causef(ErrInvalidDirectory, "page %d has no tag %d", i, tag)
	}
	if r.Type != ASCII {
		return "", causef(ErrUnsupported, "tag %d: %v is not ascii", tag, r.Type)
	}
	b, err := f.raw(r)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

// Rational returns a single Rational value of page i.
func (f *File) Rational(i int, tag uint16) (num, den uint32, err error) {
	d, err := f.page(i)
	if err != nil {
		return 0, 0, err
	}
	r, ok := d.Record(tag)
	if !ok || r.Type != Rational || r.Count != 1 {
		return 0, 0, causef(ErrInvalidDirectory, "page %d has no rational tag %d", i, tag)
	}
	b, err := f.raw(r)
	if err != nil {
		return 0, 0, err
	}
	return f.order.Uint32(b[0:4]), f.order.Uint32(b[4:8]), nil
}

// strips returns the strip offsets and byte counts of d.
func (f *File) strips(d *Directory) (offsets, counts []uint32, err error) {
	ro, ok1 := d.Record(TagStripOffsets)
	rc, ok2 := d.Record(TagStripByteCounts)
	if !ok1 || !ok2 {
		return nil, nil, causef(ErrInvalidDirectory, "directory at %d has no strips", d.Offset)
	}
	if offsets, err = f.uints(ro); err != nil {
		return nil, nil, err
	}
	if counts, err = f.uints(rc); err != nil {
		return nil, nil, err
	}
	if len(offsets) != len(counts) {
		return nil, nil, causef(ErrInvalidDirectory, "%d strip offsets, %d byte counts", len(offsets), len(counts))
	}
	return offsets, counts, nil
}

// imageBytes is the uncompressed size of a single-sample image. It
// reports false if the size does not fit in an int64.
func imageBytes(d *Directory) (int64, bool) {
	samples := uint64(d.uintOr(TagImageWidth, 0)) * uint64(d.uintOr(TagImageLength, 0))
	hi, lo := bits.Mul64(samples, uint64(d.uintOr(TagBitsPerSample, 1)/8))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

// stripBytes checks that every strip of d lies inside the file and that
// together they hold exactly the bytes its geometry needs.
func (f *File) stripBytes(i int, d *Directory) (offsets, counts []uint32, total int64, err error) {
	offsets, counts, err = f.strips(d)
	if err != nil {
		return nil, nil, 0, err
	}
	for k := range offsets {
		if err := f.within(int64(offsets[k]), int64(counts[k])); err != nil {
			return nil, nil, 0, err
		}
		total += int64(counts[k])
	}
	need, ok := imageBytes(d)
	if !ok {
		return nil, nil, 0, causef(ErrInvalidDirectory, "page %d: %dx%d at %d bits overflows", i,
			d.uintOr(TagImageWidth, 0), d.uintOr(TagImageLength, 0), d.uintOr(TagBitsPerSample, 1))
	}
	if total != need {
		return nil, nil, 0, causef(ErrInvalidDirectory, "page %d: strips hold %d bytes, geometry needs %d", i, total, need)
	}
	return offsets, counts, total, nil
}

// ReadPixels returns a copy of the uncompressed samples of page i in file
// byte order.
func (f *File) ReadPixels(i int) ([]byte, error) {
	d, err := f.page(i)
	if err != nil {
		return nil, err
	}
	if c := d.uintOr(TagCompression, CompressionNone); c != CompressionNone {
		return nil, causef(ErrUnsupported, "page %d: compression %d", i, c)
	}
	if s := d.uintOr(TagSamplesPerPixel, 1); s != 1 {
		return nil, causef(ErrUnsupported, "page %d: %d samples per pixel", i, s)
	}
	if bps := d.BitsPerSample(); bps%8 != 0 {
		return nil, causef(ErrUnsupported, "page %d: %d bits per sample", i, bps)
	}

	// Sizes come from the file; nothing is allocated until the strips
	// are known to exist and to match the geometry.
	offsets, counts, total, err := f.stripBytes(i, d)
	if err != nil {
		return nil, err
	}
	pix := make([]byte, 0, total)
	for k := range offsets {
		b, err := f.readAt(int64(offsets[k]), int64(counts[k]))
		if err != nil {
			return nil, err
		}
		pix = append(pix, b...)
	}
	return pix, nil
}

// Validate checks the structure the writer guarantees: the NewSubfileType
// of every page agrees with the page count, and each page's strips lie
// inside the file and match its geometry.
func (f *File) Validate() error {
	n := len(f.pages)
	for i, d := range f.pages {
		want := SubfilePage
		if n == 1 {
			want = SubfileSingle
		}
		if got := d.SubfileType(); got != want {
			return causef(ErrInvalidDirectory, "page %d of %d: subfile type %d, want %d", i, n, got, want)
		}
		if d.Width() == 0 || d.Height() == 0 {
			return causef(ErrInvalidDirectory, "page %d: missing image size", i)
		}
		if _, ok := d.Uint(TagPhotometricInterpretation); !ok {
			return causef(ErrInvalidDirectory, "page %d: missing photometric interpretation", i)
		}
		if _, _, _, err := f.stripBytes(i, d); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps a file opened with Open. It is a no-op for OpenReader.
func (f *File) Close() error {
	var err error
	if f.data != nil {
		if uerr := f.data.Unmap(); uerr != nil {
			err = ioFault(uerr, "unmap")
		}
		f.data = nil
	}
	if f.file != nil {
		if cerr := f.file.Close(); cerr != nil && err == nil {
			err = ioFault(cerr, "close")
		}
		f.file = nil
	}
	return err
}
