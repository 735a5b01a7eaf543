// Package tiff writes multi-page grayscale TIFF files incrementally.
//
// A Writer emits the 8-byte header when it is created and then one page
// per AddPage call: an image file directory of 15 records, two resolution
// rationals, the Software and DateTime strings and the raw samples as a
// single uncompressed strip. All offsets of a page are computed from its
// start offset before it is written, so nothing but the current page is
// held in memory.
//
// Two fields are rewritten after the fact. When a page is added, the
// next-IFD link of the previous page is pointed at it. When the writer is
// closed with more than one page, the NewSubfileType of the first page is
// changed from 0 (single image) to 2 (page of a multi-page image).
//
//	w, err := tiff.Create("movie.tif", 2, "hal4000")
//	if err != nil {
//		return err
//	}
//	for frame := range frames {
//		if err := w.AddPage(frame.Pix, frame.Width, frame.Height); err != nil {
//			w.Close()
//			return err
//		}
//	}
//	return w.Close()
//
// File reads the directory chain back; the tiffinfo command uses it to
// inspect and validate stacks.
package tiff
