//go:build !linux

package tiff

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
