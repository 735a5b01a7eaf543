package tiff

import (
	"image"
)

// AddGray appends an 8-bit image. The writer must use 1 byte per pixel.
func (w *Writer) AddGray(img *image.Gray) error {
	if w.bytesPerPixel != 1 {
		return causef(ErrSizeMismatch, "8-bit image for a %d-byte writer", w.bytesPerPixel)
	}
	b := img.Bounds()
	pix := packRows(img.Pix[img.PixOffset(b.Min.X, b.Min.Y):], img.Stride, b.Dx(), b.Dy())
	return w.AddPage(pix, b.Dx(), b.Dy())
}

// AddGray16 appends a 16-bit image. The writer must use 2 bytes per pixel.
func (w *Writer) AddGray16(img *image.Gray16) error {
	if w.bytesPerPixel != 2 {
		return causef(ErrSizeMismatch, "16-bit image for a %d-byte writer", w.bytesPerPixel)
	}
	b := img.Bounds()
	pix := make([]byte, 0, 2*b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			pix = byteOrder.AppendUint16(pix, img.Gray16At(x, y).Y)
		}
	}
	return w.AddPage(pix, b.Dx(), b.Dy())
}

// packRows returns rows of n bytes taken every stride bytes.
func packRows(p []byte, stride, n, rows int) []byte {
	if rows == 0 || stride == n {
		return p[:n*rows]
	}
	out := make([]byte, 0, n*rows)
	for y := 0; y < rows; y++ {
		out = append(out, p[y*stride:y*stride+n]...)
	}
	return out
}

// Image decodes page i as *image.Gray or *image.Gray16.
func (f *File) Image(i int) (image.Image, error) {
	d, err := f.page(i)
	if err != nil {
		return nil, err
	}
	if p, ok := d.Uint(TagPhotometricInterpretation); !ok || p > PhotometricMinIsBlack {
		return nil, causef(ErrUnsupported, "page %d: photometric interpretation %d", i, p)
	}
	pix, err := f.ReadPixels(i)
	if err != nil {
		return nil, err
	}

	// WhiteIsZero (0) is inverted; BlackIsZero (1) is stored as is.
	invert := d.uintOr(TagPhotometricInterpretation, PhotometricMinIsBlack) == 0
	rect := image.Rect(0, 0, d.Width(), d.Height())
	switch d.BitsPerSample() {
	case 8:
		img := image.NewGray(rect)
		copy(img.Pix, pix)
		if invert {
			for k := range img.Pix {
				img.Pix[k] = 0xff - img.Pix[k]
			}
		}
		return img, nil
	case 16:
		img := image.NewGray16(rect)
		for k := 0; k < len(pix); k += 2 {
			v := f.order.Uint16(pix[k:])
			if invert {
				v = 0xffff - v
			}
			img.Pix[k] = uint8(v >> 8)
			img.Pix[k+1] = uint8(v)
		}
		return img, nil
	default:
		return nil, causef(ErrUnsupported, "page %d: %d-bit samples have no image type", i, d.BitsPerSample())
	}
}
