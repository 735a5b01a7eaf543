package tiff

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errgo"
)

var errDisk = errors.New("disk full")

// memFile is an in-memory io.WriteSeeker that supports seeking back over
// written data. failWrite, when set, is consulted before every write.
type memFile struct {
	data      []byte
	pos       int64
	failWrite func(off int64, n int) bool
}

func (m *memFile) Write(p []byte) (int, error) {
	if m.failWrite != nil && m.failWrite(m.pos, len(p)) {
		return 0, errDisk
	}
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.pos + offset
	case io.SeekEnd:
		abs = int64(len(m.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = abs
	return abs, nil
}

var testTime = time.Date(2012, 5, 28, 11, 45, 22, 0, time.UTC)

func testOptions(bytesPerPixel int) Options {
	opts := DefaultOptions()
	opts.BytesPerPixel = bytesPerPixel
	opts.DateTime = testTime
	return opts
}

func newTestWriter(t *testing.T, bytesPerPixel int) (*Writer, *memFile) {
	t.Helper()
	m := &memFile{}
	w, err := NewWriter(m, testOptions(bytesPerPixel))
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	return w, m
}

func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func u16(b []byte, off int64) uint16 { return byteOrder.Uint16(b[off:]) }
func u32(b []byte, off int64) uint32 { return byteOrder.Uint32(b[off:]) }

func TestHeader(t *testing.T) {
	_, m := newTestWriter(t, 2)
	want := []byte{'I', 'I', 42, 0, 8, 0, 0, 0}
	if !bytes.Equal(m.data, want) {
		t.Errorf("header = % x, want % x", m.data, want)
	}
}

func TestNewWriterRequiresStart(t *testing.T) {
	m := &memFile{}
	m.Write([]byte("junk"))
	_, err := NewWriter(m, testOptions(2))
	if errgo.Cause(err) != ErrOffsetMismatch {
		t.Errorf("NewWriter() error = %v, want ErrOffsetMismatch", err)
	}
}

func TestNewWriterHeaderFault(t *testing.T) {
	m := &memFile{failWrite: func(int64, int) bool { return true }}
	_, err := NewWriter(m, testOptions(2))
	if errgo.Cause(err) != ErrIO {
		t.Fatalf("NewWriter() error = %v, want ErrIO", err)
	}
}

func TestOptionsValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero bytes", Options{BytesPerPixel: 0, Software: "x"}},
		{"three bytes", Options{BytesPerPixel: 3, Software: "x"}},
		{"eight bytes", Options{BytesPerPixel: 8, Software: "x"}},
		{"nul in software", Options{BytesPerPixel: 2, Software: "a\x00b"}},
		{"non-ascii software", Options{BytesPerPixel: 2, Software: "café"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWriter(&memFile{}, tt.opts)
			if errgo.Cause(err) != ErrInvalidOptions {
				t.Errorf("NewWriter() error = %v, want ErrInvalidOptions", err)
			}
		})
	}
}

// TestPageLayout checks every offset of the first two pages against the
// layout the directory promises.
func TestPageLayout(t *testing.T) {
	w, m := newTestWriter(t, 2)
	const width, height = 3, 2
	for i := 0; i < 2; i++ {
		if err := w.AddPage(filled(width*height*2, byte(i+1)), width, height); err != nil {
			t.Fatalf("AddPage(%d) error = %v", i, err)
		}
	}
	b := m.data

	const (
		software = "unknown\x00"
		dateTime = "2012:05:28 11:45:22\x00"
	)
	start := int64(HeaderSize)
	for page := 0; page < 2; page++ {
		if n := u16(b, start); n != recordsPerPage {
			t.Fatalf("page %d: record count = %d, want %d", page, n, recordsPerPage)
		}
		resolution := start + directorySize
		softwareAt := resolution + resolutionBlockSize
		dateTimeAt := softwareAt + int64(len(software))
		pixels := dateTimeAt + int64(len(dateTime))
		next := pixels + width*height*2

		wantTags := []uint16{254, 256, 257, 258, 259, 262, 273, 277, 278, 279, 282, 283, 296, 305, 306}
		for k, tag := range wantTags {
			if got := u16(b, start+2+int64(k)*recordSize); got != tag {
				t.Errorf("page %d record %d: tag = %d, want %d", page, k, got, tag)
			}
		}
		rec := func(k int) int64 { return start + 2 + int64(k)*recordSize + 8 }
		if got := u32(b, rec(6)); int64(got) != pixels {
			t.Errorf("page %d: StripOffsets = %d, want %d", page, got, pixels)
		}
		if got := u32(b, rec(10)); int64(got) != resolution {
			t.Errorf("page %d: XResolution offset = %d, want %d", page, got, resolution)
		}
		if got := u32(b, rec(11)); int64(got) != resolution+8 {
			t.Errorf("page %d: YResolution offset = %d, want %d", page, got, resolution+8)
		}
		if got := u32(b, rec(13)); int64(got) != softwareAt {
			t.Errorf("page %d: Software offset = %d, want %d", page, got, softwareAt)
		}
		if got := u32(b, rec(14)); int64(got) != dateTimeAt {
			t.Errorf("page %d: DateTime offset = %d, want %d", page, got, dateTimeAt)
		}
		for k := int64(0); k < 4; k++ {
			if got := u32(b, resolution+4*k); got != 1 {
				t.Errorf("page %d: resolution word %d = %d, want 1", page, k, got)
			}
		}
		if got := string(b[softwareAt:dateTimeAt]); got != software {
			t.Errorf("page %d: software = %q, want %q", page, got, software)
		}
		if got := string(b[dateTimeAt:pixels]); got != dateTime {
			t.Errorf("page %d: datetime = %q, want %q", page, got, dateTime)
		}
		if !bytes.Equal(b[pixels:next], filled(width*height*2, byte(page+1))) {
			t.Errorf("page %d: pixel bytes differ", page)
		}

		link := u32(b, start+directorySize-4)
		if page == 0 && int64(link) != next {
			t.Errorf("page 0: next IFD = %d, want %d", link, next)
		}
		if page == 1 && link != 0 {
			t.Errorf("page 1: next IFD = %d, want 0", link)
		}
		start = next
	}
	if start != int64(len(b)) {
		t.Errorf("file size = %d, want %d", len(b), start)
	}
}

func TestSubfileTypeBackpatch(t *testing.T) {
	w, m := newTestWriter(t, 2)
	flag := int64(HeaderSize + 2 + 8)
	link := int64(HeaderSize + directorySize - 4)

	if err := w.AddPage(filled(8, 0), 2, 2); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if got := u32(m.data, flag); got != SubfileSingle {
		t.Errorf("after page 0: flag = %d, want %d", got, SubfileSingle)
	}
	if got := u32(m.data, link); got != 0 {
		t.Errorf("after page 0: link = %d, want 0", got)
	}

	end := int64(len(m.data))
	if err := w.AddPage(filled(8, 1), 2, 2); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if got := u32(m.data, link); int64(got) != end {
		t.Errorf("after page 1: link = %d, want %d", got, end)
	}
	if got := u32(m.data, flag); got != SubfileSingle {
		t.Errorf("before Close: flag = %d, want %d", got, SubfileSingle)
	}
	if got := u32(m.data, end+2+8); got != SubfilePage {
		t.Errorf("page 1: flag = %d, want %d", got, SubfilePage)
	}
	if m.pos != int64(len(m.data)) {
		t.Errorf("write position = %d, want end of data %d", m.pos, len(m.data))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := u32(m.data, flag); got != SubfilePage {
		t.Errorf("after Close: flag = %d, want %d", got, SubfilePage)
	}
}

func TestSinglePage(t *testing.T) {
	w, m := newTestWriter(t, 2)
	if err := w.AddPage(filled(2*4*4, 9), 4, 4); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := OpenReader(bytes.NewReader(m.data), int64(len(m.data)))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	if f.NumPages() != 1 {
		t.Fatalf("NumPages() = %d, want 1", f.NumPages())
	}
	d := f.Page(0)
	if d.Next != 0 {
		t.Errorf("Next = %d, want 0", d.Next)
	}
	if d.SubfileType() != SubfileSingle {
		t.Errorf("SubfileType() = %d, want %d", d.SubfileType(), SubfileSingle)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestCloseWithoutPages(t *testing.T) {
	w, m := newTestWriter(t, 2)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(m.data) != HeaderSize {
		t.Errorf("file size = %d, want %d", len(m.data), HeaderSize)
	}
}

func TestAddPageSizeMismatch(t *testing.T) {
	w, m := newTestWriter(t, 2)
	if err := w.AddPage(filled(2*10*10, 1), 10, 10); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	before := append([]byte(nil), m.data...)
	pos := m.pos

	tests := []struct {
		name          string
		pix           []byte
		width, height int
	}{
		{"short buffer", filled(2*10*10-1, 1), 10, 10},
		{"long buffer", filled(2*10*10+2, 1), 10, 10},
		{"bytes per pixel ignored", filled(10*10, 1), 10, 10},
		{"zero width", nil, 0, 10},
		{"negative height", nil, 10, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.AddPage(tt.pix, tt.width, tt.height)
			if errgo.Cause(err) != ErrSizeMismatch {
				t.Fatalf("AddPage() error = %v, want ErrSizeMismatch", err)
			}
			if !bytes.Equal(m.data, before) || m.pos != pos {
				t.Error("rejected page modified the file")
			}
		})
	}

	if w.Pages() != 1 {
		t.Errorf("Pages() = %d, want 1", w.Pages())
	}
	if err := w.AddPage(filled(2*10*10, 2), 10, 10); err != nil {
		t.Fatalf("AddPage() after rejection error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestInvalidState(t *testing.T) {
	w, m := newTestWriter(t, 1)
	if err := w.AddPage(filled(4, 1), 2, 2); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	size := len(m.data)

	if err := w.AddPage(filled(4, 1), 2, 2); errgo.Cause(err) != ErrInvalidState {
		t.Errorf("AddPage() after Close error = %v, want ErrInvalidState", err)
	}
	if err := w.Close(); errgo.Cause(err) != ErrInvalidState {
		t.Errorf("second Close() error = %v, want ErrInvalidState", err)
	}
	if len(m.data) != size {
		t.Errorf("file grew from %d to %d bytes after Close", size, len(m.data))
	}
}

func TestWriteFaultIsSticky(t *testing.T) {
	w, m := newTestWriter(t, 1)
	if err := w.AddPage(filled(16, 1), 4, 4); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}

	m.failWrite = func(_ int64, n int) bool { return n == 16 }
	err := w.AddPage(filled(16, 2), 4, 4)
	if errgo.Cause(err) != ErrIO {
		t.Fatalf("AddPage() error = %v, want ErrIO", err)
	}
	if errgo.Details(err) == "" {
		t.Error("Details() is empty")
	}

	m.failWrite = nil
	if err := w.AddPage(filled(16, 3), 4, 4); errgo.Cause(err) != ErrInvalidState {
		t.Errorf("AddPage() after fault error = %v, want ErrInvalidState", err)
	}
	if err := w.Close(); errgo.Cause(err) != ErrIO {
		t.Errorf("Close() error = %v, want ErrIO", err)
	}
}

func TestMalformedRecordIsSticky(t *testing.T) {
	w, m := newTestWriter(t, 1)
	if err := w.AddPage(filled(16, 1), 4, 4); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	before := append([]byte(nil), m.data...)

	// BitsPerSample no longer fits its Short record.
	w.bytesPerPixel = 0x2000
	err := w.AddPage(filled(0x2000, 2), 1, 1)
	if errgo.Cause(err) != ErrMalformedRecord {
		t.Fatalf("AddPage() error = %v, want ErrMalformedRecord", err)
	}
	if !bytes.Equal(m.data, before) {
		t.Error("malformed page modified the file")
	}

	w.bytesPerPixel = 1
	if err := w.AddPage(filled(16, 3), 4, 4); errgo.Cause(err) != ErrInvalidState {
		t.Errorf("AddPage() after malformed record error = %v, want ErrInvalidState", err)
	}
	if err := w.Close(); errgo.Cause(err) != ErrMalformedRecord {
		t.Errorf("Close() error = %v, want ErrMalformedRecord", err)
	}
}

func TestPatchRestoresPositionOnFailure(t *testing.T) {
	w, m := newTestWriter(t, 1)
	if err := w.AddPage(filled(4, 1), 2, 2); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	end := m.pos

	m.failWrite = func(off int64, n int) bool { return n == 4 && off < end }
	err := w.AddPage(filled(4, 2), 2, 2)
	if errgo.Cause(err) != ErrIO {
		t.Fatalf("AddPage() error = %v, want ErrIO", err)
	}
	if m.pos != end {
		t.Errorf("position after failed patch = %d, want %d", m.pos, end)
	}
	if int64(len(m.data)) != end {
		t.Errorf("failed page wrote %d bytes", int64(len(m.data))-end)
	}
}

func TestBytesPerPixelHonored(t *testing.T) {
	for _, bpp := range []int{1, 2, 4} {
		w, m := newTestWriter(t, bpp)
		if w.BytesPerPixel() != bpp {
			t.Errorf("BytesPerPixel() = %d, want %d", w.BytesPerPixel(), bpp)
		}
		if err := w.AddPage(filled(5*3*bpp, 7), 5, 3); err != nil {
			t.Fatalf("bpp %d: AddPage() error = %v", bpp, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("bpp %d: Close() error = %v", bpp, err)
		}

		f, err := OpenReader(bytes.NewReader(m.data), int64(len(m.data)))
		if err != nil {
			t.Fatalf("bpp %d: OpenReader() error = %v", bpp, err)
		}
		d := f.Page(0)
		if d.BitsPerSample() != 8*bpp {
			t.Errorf("bpp %d: BitsPerSample() = %d, want %d", bpp, d.BitsPerSample(), 8*bpp)
		}
		if n, _ := d.Uint(TagStripByteCounts); int(n) != 5*3*bpp {
			t.Errorf("bpp %d: StripByteCounts = %d, want %d", bpp, n, 5*3*bpp)
		}
		if err := f.Validate(); err != nil {
			t.Errorf("bpp %d: Validate() error = %v", bpp, err)
		}
	}
}

func TestCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.tif")
	opts := testOptions(2)
	opts.Software = "hal4000"
	opts.Sync = true

	w, err := CreateOptions(path, opts)
	if err != nil {
		t.Fatalf("CreateOptions() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.AddPage(filled(2*16*8, byte(i)), 16, 8); err != nil {
			t.Fatalf("AddPage(%d) error = %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	want := int64(HeaderSize) + 3*(directorySize+resolutionBlockSize+int64(len("hal4000\x00"))+dateTimeLen+2*16*8)
	if st.Size() != want {
		t.Errorf("file size = %d, want %d", st.Size(), want)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	if f.NumPages() != 3 {
		t.Fatalf("NumPages() = %d, want 3", f.NumPages())
	}
	if s, err := f.Text(2, TagSoftware); err != nil || s != "hal4000" {
		t.Errorf("Text(Software) = %q, %v, want %q", s, err, "hal4000")
	}
	if s, err := f.Text(0, TagDateTime); err != nil || s != "2012:05:28 11:45:22" {
		t.Errorf("Text(DateTime) = %q, %v", s, err)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestCreateDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.tif")
	w, err := Create(path, 1, "acq")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.AddPage(filled(4, 1), 2, 2); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	s, err := f.Text(0, TagDateTime)
	if err != nil {
		t.Fatalf("Text(DateTime) error = %v", err)
	}
	if _, err := time.Parse("2006:01:02 15:04:05", s); err != nil {
		t.Errorf("DateTime %q does not parse: %v", s, err)
	}
}

func TestCreateBadPath(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "missing", "x.tif"), 2, "x")
	if errgo.Cause(err) != ErrIO {
		t.Errorf("Create() error = %v, want ErrIO", err)
	}
}
