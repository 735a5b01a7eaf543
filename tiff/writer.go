package tiff

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/juju/errgo"
)

type writerState int

const (
	stateCreated writerState = iota // header written, no pages
	stateWriting                    // at least one page, link pending
	stateClosed
)

// noOffset marks a backpatch location that has not been reserved yet.
const noOffset = -1

// Writer writes a multi-page grayscale TIFF one page at a time. Each page
// is written as soon as it is added; only the previous page's next-IFD
// link and the first page's NewSubfileType are rewritten afterwards.
//
// A Writer is not safe for concurrent use, and nothing else may read or
// write the destination until Close returns.
type Writer struct {
	ws   io.WriteSeeker
	file *os.File // set when Create opened the destination
	sync bool

	bytesPerPixel int
	software      []byte
	dateTime      []byte

	state       writerState
	fault       error
	pages       int
	pendingLink int64 // next-IFD field of the last page
	firstFlag   int64 // NewSubfileType value field of page 0

	buf []byte // page metadata scratch
}

// Create creates the file at path and writes the TIFF header.
func Create(path string, bytesPerPixel int, software string) (*Writer, error) {
	opts := DefaultOptions()
	opts.BytesPerPixel = bytesPerPixel
	opts.Software = software
	return CreateOptions(path, opts)
}

// CreateOptions is like Create with full control over the options.
func CreateOptions(path string, opts Options) (*Writer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, ioFault(err, "create "+path)
	}
	w, err := NewWriter(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewWriter writes the TIFF header to ws, which must be positioned at its
// start. The caller keeps ownership of ws; Close does not close it.
func NewWriter(ws io.WriteSeeker, opts Options) (*Writer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.DateTime.IsZero() {
		opts.DateTime = time.Now()
	}

	w := &Writer{
		ws:            ws,
		sync:          opts.Sync,
		bytesPerPixel: opts.BytesPerPixel,
		software:      asciiField(opts.Software),
		dateTime:      dateTimeField(opts.DateTime),
		pendingLink:   noOffset,
		firstFlag:     noOffset,
	}
	if err := w.writeHeader(); err != nil {
		return nil, err
	}
	return w, nil
}

// writeHeader writes the byte order marker, the magic number and the
// offset of the first directory, which always follows the header.
func (w *Writer) writeHeader() error {
	pos, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return ioFault(err, "locate header")
	}
	if pos != 0 {
		return causef(ErrOffsetMismatch, "header must start at offset 0, writer is at %d", pos)
	}

	hdr := make([]byte, 0, HeaderSize)
	hdr = append(hdr, LittleEndianMarker...)
	hdr = byteOrder.AppendUint16(hdr, Magic)
	hdr = byteOrder.AppendUint32(hdr, HeaderSize)
	if _, err := w.ws.Write(hdr); err != nil {
		return ioFault(err, "write header")
	}
	return nil
}

// Pages returns the number of pages written so far.
func (w *Writer) Pages() int {
	return w.pages
}

// BytesPerPixel returns the sample size the writer was created with.
func (w *Writer) BytesPerPixel() int {
	return w.bytesPerPixel
}

// pageLayout holds the absolute offsets of one page, all derived from
// the page's start offset before anything is written.
type pageLayout struct {
	start      int64
	link       int64 // next-IFD field
	resolution int64 // XResolution, YResolution follows 8 bytes later
	software   int64
	dateTime   int64
	pixels     int64
	end        int64
}

func (w *Writer) layout(start int64, pixelBytes int64) pageLayout {
	l := pageLayout{start: start}
	l.link = start + directorySize - 4
	l.resolution = start + directorySize
	l.software = l.resolution + resolutionBlockSize
	l.dateTime = l.software + int64(len(w.software))
	l.pixels = l.dateTime + int64(len(w.dateTime))
	l.end = l.pixels + pixelBytes
	return l
}

// AddPage appends one page of width*height samples. pix holds the samples
// row by row in little-endian order and must be exactly
// width*height*BytesPerPixel bytes long; otherwise nothing is written and
// ErrSizeMismatch is returned.
//
// Size errors (ErrSizeMismatch, ErrFileTooLarge) leave the writer usable.
// Any other failure, including a malformed record that is detected before
// a byte is written, leaves it unusable: further pages are rejected and
// Close only releases the file.
func (w *Writer) AddPage(pix []byte, width, height int) error {
	if err := w.writable(); err != nil {
		return err
	}
	if width <= 0 || height <= 0 || uint64(width) > math.MaxUint32 || uint64(height) > math.MaxUint32 {
		return causef(ErrSizeMismatch, "invalid geometry %dx%d", width, height)
	}
	samples := uint64(width) * uint64(height)
	if samples > math.MaxUint32 {
		return causef(ErrFileTooLarge, "%dx%d page does not fit one strip", width, height)
	}
	pixelBytes := samples * uint64(w.bytesPerPixel)
	if pixelBytes != uint64(len(pix)) {
		return causef(ErrSizeMismatch, "%d bytes for %dx%d with %d bytes per pixel, want %d",
			len(pix), width, height, w.bytesPerPixel, pixelBytes)
	}

	start, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return w.fail(ioFault(err, "locate page start"))
	}
	l := w.layout(start, int64(pixelBytes))
	if l.end > math.MaxUint32 {
		return causef(ErrFileTooLarge, "page %d would end at offset %d", w.pages, l.end)
	}

	meta, err := w.encodeDirectory(l, uint32(width), uint32(height), uint32(pixelBytes))
	if err != nil {
		return w.fail(err)
	}

	// Make this page reachable before any of its bytes exist.
	if w.pendingLink != noOffset {
		if err := w.patchAt(w.pendingLink, uint32(start)); err != nil {
			return w.fail(err)
		}
	}

	if _, err := w.ws.Write(meta); err != nil {
		return w.fail(ioFault(err, fmt.Sprintf("write directory of page %d", w.pages)))
	}
	w.pendingLink = l.link
	if w.pages == 0 {
		w.firstFlag = start + 2 + 8
	}

	pos, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return w.fail(ioFault(err, "locate pixel data"))
	}
	if pos != l.pixels {
		return w.fail(causef(ErrOffsetMismatch, "page %d pixels at %d, strip offset says %d", w.pages, pos, l.pixels))
	}
	if _, err := w.ws.Write(pix); err != nil {
		return w.fail(ioFault(err, fmt.Sprintf("write pixels of page %d", w.pages)))
	}

	w.pages++
	w.state = stateWriting
	return nil
}

// encodeDirectory returns everything of a page that precedes its pixels:
// the IFD, the resolution rationals and the two strings.
func (w *Writer) encodeDirectory(l pageLayout, width, height, pixelBytes uint32) ([]byte, error) {
	flag := uint32(SubfilePage)
	if w.pages == 0 {
		// Corrected at Close if more pages follow.
		flag = SubfileSingle
	}
	records := [recordsPerPage]Record{
		{TagNewSubfileType, Long, 1, flag},
		{TagImageWidth, Long, 1, width},
		{TagImageLength, Long, 1, height},
		{TagBitsPerSample, Short, 1, uint32(8 * w.bytesPerPixel)},
		{TagCompression, Short, 1, CompressionNone},
		{TagPhotometricInterpretation, Short, 1, PhotometricMinIsBlack},
		{TagStripOffsets, Long, 1, uint32(l.pixels)},
		{TagSamplesPerPixel, Short, 1, 1},
		{TagRowsPerStrip, Long, 1, height},
		{TagStripByteCounts, Long, 1, pixelBytes},
		{TagXResolution, Rational, 1, uint32(l.resolution)},
		{TagYResolution, Rational, 1, uint32(l.resolution + 8)},
		{TagResolutionUnit, Short, 1, ResolutionUnitNone},
		{TagSoftware, ASCII, uint32(len(w.software)), uint32(l.software)},
		{TagDateTime, ASCII, uint32(len(w.dateTime)), uint32(l.dateTime)},
	}

	var err error
	buf := byteOrder.AppendUint16(w.buf[:0], recordsPerPage)
	for _, r := range records {
		if buf, err = r.AppendBinary(buf); err != nil {
			return nil, err
		}
	}
	buf = byteOrder.AppendUint32(buf, 0)

	for i := 0; i < 2; i++ {
		buf = byteOrder.AppendUint32(buf, 1)
		buf = byteOrder.AppendUint32(buf, 1)
	}
	buf = append(buf, w.software...)
	buf = append(buf, w.dateTime...)

	if int64(len(buf)) != l.pixels-l.start {
		return nil, causef(ErrOffsetMismatch, "encoded %d metadata bytes, layout has %d", len(buf), l.pixels-l.start)
	}
	w.buf = buf
	return buf, nil
}

// patchAt overwrites the four bytes at off with v. The write position is
// restored afterwards, on failure too.
func (w *Writer) patchAt(off int64, v uint32) (err error) {
	resume, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return ioFault(err, "locate write position")
	}
	defer func() {
		if _, serr := w.ws.Seek(resume, io.SeekStart); serr != nil && err == nil {
			err = ioFault(serr, "restore write position")
		}
	}()

	if _, err := w.ws.Seek(off, io.SeekStart); err != nil {
		return ioFault(err, fmt.Sprintf("seek to %d", off))
	}
	var b [4]byte
	byteOrder.PutUint32(b[:], v)
	if _, err := w.ws.Write(b[:]); err != nil {
		return ioFault(err, fmt.Sprintf("patch offset %d", off))
	}
	return nil
}

func (w *Writer) writable() error {
	if w.state == stateClosed {
		return causef(ErrInvalidState, "writer is closed")
	}
	if w.fault != nil {
		return errgo.WithCausef(w.fault, ErrInvalidState, "tiff: writer failed earlier")
	}
	return nil
}

func (w *Writer) fail(err error) error {
	w.fault = err
	return err
}

// Close marks the first page as part of a multi-page image when more than
// one page was written and releases the file if Create opened it. The
// file is released even when finalizing fails. Close may be called once.
func (w *Writer) Close() error {
	if w.state == stateClosed {
		return causef(ErrInvalidState, "writer already closed")
	}
	w.state = stateClosed

	err := w.finalize()
	if w.file != nil {
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = ioFault(cerr, "close")
		}
		w.file = nil
	}
	w.ws = nil
	w.buf = nil
	return err
}

func (w *Writer) finalize() error {
	if w.fault != nil {
		return w.fault
	}
	if w.pages > 1 {
		if err := w.patchAt(w.firstFlag, SubfilePage); err != nil {
			return err
		}
	}
	if !w.sync {
		return nil
	}
	if w.file != nil {
		if err := syncFile(w.file); err != nil {
			return ioFault(err, "sync")
		}
	} else if s, ok := w.ws.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return ioFault(err, "sync")
		}
	}
	return nil
}
