// tiffmetrics benchmarks TIFF stack write/re-read performance.
//
// Usage:
//
//	tiffmetrics [options]
//
// Options:
//
//	--passes N    Number of passes for timing (default: 10)
//	--pages N     Pages per stack (default: 100)
//	--width N     Page width (default: 512)
//	--height N    Page height (default: 512)
//	--bpp LIST    Bytes per pixel (1,2,4,all)
//	--dir DIR     Write stacks to files in DIR instead of memory
//	--csv         Output in CSV format (default)
//	--json        Output in JSON format
//	-v            Verbose output
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errgo"

	"github.com/zhuanglab/go-tiffstack/tiff"
)

type runResult struct {
	Target        string
	BytesPerPixel int
	Pages         int
	Size          int64
	WriteTime     time.Duration
	RereadTime    time.Duration
}

type stackShape struct {
	pages, width, height, bpp int
}

func main() {
	var (
		passes     = flag.Int("passes", 10, "Number of passes for timing")
		pages      = flag.Int("pages", 100, "Pages per stack")
		width      = flag.Int("width", 512, "Page width")
		height     = flag.Int("height", 512, "Page height")
		bppList    = flag.String("bpp", "2", "Bytes per pixel (1,2,4,all)")
		dir        = flag.String("dir", "", "Write stacks to files in this directory")
		csvOutput  = flag.Bool("csv", false, "Output in CSV format")
		jsonOutput = flag.Bool("json", false, "Output in JSON format")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *passes < 1 || *pages < 1 || *width < 1 || *height < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tiffmetrics [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var results []runResult
	for _, bpp := range parseBytesPerPixel(*bppList) {
		shape := stackShape{pages: *pages, width: *width, height: *height, bpp: bpp}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Benchmarking %d pages of %dx%dx%d...\n", shape.pages, shape.width, shape.height, bpp)
		}
		r, err := benchmarkOne(shape, *dir, *passes, *verbose)
		if err != nil {
			fmt.Fprintln(os.Stderr, errgo.Details(err))
			os.Exit(1)
		}
		results = append(results, r)
	}

	if *jsonOutput && !*csvOutput {
		printJSON(results)
	} else {
		printCSV(results)
	}
}

func parseBytesPerPixel(s string) []int {
	if s == "all" {
		return []int{1, 2, 4}
	}
	var result []int
	for _, field := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			continue
		}
		switch n {
		case 1, 2, 4:
			result = append(result, n)
		}
	}
	if len(result) == 0 {
		result = append(result, 2)
	}
	return result
}

// seekableBuffer is an in-memory io.WriteSeeker.
type seekableBuffer struct {
	buf []byte
	pos int64
}

func newSeekableBuffer(size int) *seekableBuffer {
	return &seekableBuffer{buf: make([]byte, 0, size)}
}

func (s *seekableBuffer) Write(p []byte) (n int, err error) {
	need := int(s.pos) + len(p)
	if need > len(s.buf) {
		if need > cap(s.buf) {
			newBuf := make([]byte, need, need*2)
			copy(newBuf, s.buf)
			s.buf = newBuf
		} else {
			s.buf = s.buf[:need]
		}
	}
	copy(s.buf[s.pos:], p)
	s.pos += int64(len(p))
	return len(p), nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(len(s.buf)) + offset
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	s.pos = newPos
	return s.pos, nil
}

func (s *seekableBuffer) Reset() {
	s.buf = s.buf[:0]
	s.pos = 0
}

// writeStack writes shape either to buf or, when path is set, to a file.
func writeStack(shape stackShape, frames [][]byte, buf *seekableBuffer, path string) error {
	opts := tiff.DefaultOptions()
	opts.BytesPerPixel = shape.bpp
	opts.Software = "tiffmetrics"

	var (
		w   *tiff.Writer
		err error
	)
	if path != "" {
		w, err = tiff.CreateOptions(path, opts)
	} else {
		w, err = tiff.NewWriter(buf, opts)
	}
	if err != nil {
		return err
	}
	for i := 0; i < shape.pages; i++ {
		if err := w.AddPage(frames[i%len(frames)], shape.width, shape.height); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// rereadStack parses the stack and reads every page's pixels.
func rereadStack(data []byte, path string) error {
	var (
		f   *tiff.File
		err error
	)
	if path != "" {
		f, err = tiff.Open(path)
	} else {
		f, err = tiff.OpenReader(bytes.NewReader(data), int64(len(data)))
	}
	if err != nil {
		return err
	}
	defer f.Close()
	for i := 0; i < f.NumPages(); i++ {
		if _, err := f.ReadPixels(i); err != nil {
			return err
		}
	}
	return nil
}

func benchmarkOne(shape stackShape, dir string, passes int, verbose bool) (runResult, error) {
	// A few distinct frames so consecutive pages differ.
	frames := make([][]byte, 4)
	for i := range frames {
		frames[i] = bytes.Repeat([]byte{byte(17 * i)}, shape.width*shape.height*shape.bpp)
	}

	target := "memory"
	path := ""
	if dir != "" {
		path = filepath.Join(dir, fmt.Sprintf("tiffmetrics-%d.tif", shape.bpp))
		target = path
		defer os.Remove(path)
	}

	writeTimes := make([]time.Duration, passes)
	rereadTimes := make([]time.Duration, passes)
	buf := newSeekableBuffer(tiff.HeaderSize + shape.pages*(512+shape.width*shape.height*shape.bpp))
	var size int64

	for i := 0; i < passes; i++ {
		buf.Reset()

		start := time.Now()
		if err := writeStack(shape, frames, buf, path); err != nil {
			return runResult{}, errgo.Notef(err, "write pass %d", i)
		}
		writeTimes[i] = time.Since(start)

		size = int64(len(buf.buf))
		if path != "" {
			if fi, err := os.Stat(path); err == nil {
				size = fi.Size()
			}
		}
		if verbose && i == 0 {
			fmt.Fprintf(os.Stderr, "  Written %d bytes\n", size)
		}

		start = time.Now()
		if err := rereadStack(buf.buf, path); err != nil {
			return runResult{}, errgo.Notef(err, "reread pass %d", i)
		}
		rereadTimes[i] = time.Since(start)
	}

	return runResult{
		Target:        target,
		BytesPerPixel: shape.bpp,
		Pages:         shape.pages,
		Size:          size,
		WriteTime:     median(writeTimes),
		RereadTime:    median(rereadTimes),
	}, nil
}

func median(times []time.Duration) time.Duration {
	if len(times) == 0 {
		return 0
	}
	if len(times) == 1 {
		return times[0]
	}
	sorted := make([]time.Duration, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func printCSV(results []runResult) {
	fmt.Println("target,bytes per pixel,pages,size,write time,reread time")
	for _, r := range results {
		fmt.Printf("%s,%d,%d,%d,%g,%g\n",
			r.Target,
			r.BytesPerPixel,
			r.Pages,
			r.Size,
			r.WriteTime.Seconds(),
			r.RereadTime.Seconds())
	}
}

func printJSON(results []runResult) {
	fmt.Println("[")
	for i, r := range results {
		comma := ","
		if i == len(results)-1 {
			comma = ""
		}
		fmt.Printf(`  {"target": %q, "bytes_per_pixel": %d, "pages": %d, "size": %d, "write_time": %g, "reread_time": %g}%s`+"\n",
			r.Target, r.BytesPerPixel, r.Pages, r.Size,
			r.WriteTime.Seconds(), r.RereadTime.Seconds(), comma)
	}
	fmt.Println("]")
}
