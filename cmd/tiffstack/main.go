// tiffstack records a stream of raw grayscale frames into a multi-page TIFF.
//
// Frames are read back to back from a file or stdin, each exactly
// width*height*bpp bytes in little-endian sample order, and every frame
// is written to the output as soon as it has been read. Without -in,
// tiffstack writes -n synthetic frames where frame i is filled with the
// byte value i.
//
// Usage:
//
//	tiffstack -o movie.tif -width 512 -height 512 [-bpp 2] [-in frames.raw|-]
//	tiffstack -o test.tif -width 200 -height 200 -n 5
package main

import (
	"bufio"
	"bytes"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/juju/errgo"

	"github.com/zhuanglab/go-tiffstack/tiff"
)

func main() {
	var (
		output   = flag.String("o", "", "output TIFF file")
		input    = flag.String("in", "", "raw frame source, '-' for stdin")
		width    = flag.Int("width", 200, "frame width in pixels")
		height   = flag.Int("height", 200, "frame height in pixels")
		bpp      = flag.Int("bpp", 2, "bytes per pixel (1, 2 or 4)")
		frames   = flag.Int("n", 5, "number of synthetic frames when -in is not set")
		software = flag.String("software", "tiffstack", "Software tag value")
		sync     = flag.Bool("sync", false, "flush to stable storage on close")
		verbose  = flag.Bool("v", false, "log every frame")
	)
	flag.Parse()
	log.SetFlags(log.Lshortfile)

	if *output == "" {
		log.Fatalln("Usage: tiffstack -o out.tif [-width W] [-height H] [-bpp N] [-in raw|-] [-n frames]")
	}
	if *width <= 0 || *height <= 0 {
		log.Fatalln("width and height must be positive")
	}

	opts := tiff.DefaultOptions()
	opts.BytesPerPixel = *bpp
	opts.Software = *software
	opts.Sync = *sync

	w, err := tiff.CreateOptions(*output, opts)
	if err != nil {
		log.Fatalln(errgo.Details(err))
	}

	start := time.Now()
	if *input != "" {
		err = recordStream(w, *input, *width, *height, *verbose)
	} else {
		err = recordSynthetic(w, *frames, *width, *height, *verbose)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalln(errgo.Details(err))
	}
	log.Printf("%s: %d frames of %dx%d in %v\n", *output, w.Pages(), *width, *height, time.Since(start))
}

// recordStream copies frames from name until it is exhausted.
func recordStream(w *tiff.Writer, name string, width, height int, verbose bool) error {
	var src io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return errgo.Mask(err)
		}
		defer f.Close()
		src = f
	}
	r := bufio.NewReaderSize(src, 1<<20)

	frame := make([]byte, width*height*w.BytesPerPixel())
	for {
		_, err := io.ReadFull(r, frame)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errgo.Notef(err, "frame %d", w.Pages())
		}
		if err := w.AddPage(frame, width, height); err != nil {
			return errgo.Mask(err, errgo.Any)
		}
		if verbose {
			log.Printf("frame %d written\n", w.Pages()-1)
		}
	}
}

func recordSynthetic(w *tiff.Writer, n, width, height int, verbose bool) error {
	size := width * height * w.BytesPerPixel()
	for i := 0; i < n; i++ {
		if err := w.AddPage(bytes.Repeat([]byte{byte(i)}, size), width, height); err != nil {
			return errgo.Mask(err, errgo.Any)
		}
		if verbose {
			log.Printf("frame %d written\n", i)
		}
	}
	return nil
}
