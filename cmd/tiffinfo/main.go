// tiffinfo displays the page chain of TIFF stacks.
//
// Usage:
//
//	tiffinfo [-v|--verbose] [-s|--strict] <filename> [<filename> ...]
//
// Use '-' as filename to read from stdin:
//
//	cat movie.tif | tiffinfo -
//
// Options:
//
//	-v, --verbose  Print every directory record of every page
//	-s, --strict   Strict mode: validate the page chain and report violations
//	-h, --help     Print help message
//	    --version  Print version information
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/juju/errgo"

	"github.com/zhuanglab/go-tiffstack/tiff"
)

const version = "1.0.0"

var (
	verbose  bool
	strict   bool
	showHelp bool
	showVer  bool
)

func init() {
	flag.BoolVar(&verbose, "v", false, "verbose mode")
	flag.BoolVar(&verbose, "verbose", false, "verbose mode")
	flag.BoolVar(&strict, "s", false, "strict mode")
	flag.BoolVar(&strict, "strict", false, "strict mode")
	flag.BoolVar(&showHelp, "h", false, "print help message")
	flag.BoolVar(&showHelp, "help", false, "print help message")
	flag.BoolVar(&showVer, "version", false, "print version information")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-v|--verbose] [-s|--strict] <filename> [<filename> ...]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Read TIFF stacks and print their page directories\n\n")
	fmt.Fprintf(os.Stderr, "Use '-' as filename to read from stdin.\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  -s, --strict   strict mode\n")
	fmt.Fprintf(os.Stderr, "  -v, --verbose  verbose mode\n")
	fmt.Fprintf(os.Stderr, "  -h, --help     print this message\n")
	fmt.Fprintf(os.Stderr, "      --version  print version information\n")
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if showHelp {
		usage()
		os.Exit(0)
	}
	if showVer {
		fmt.Printf("tiffinfo (go-tiffstack) %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	failCount := 0
	for i, filename := range args {
		if i > 0 {
			fmt.Println()
		}
		if err := processFile(filename); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR '%s': %v\n", filename, err)
			if verbose {
				fmt.Fprintln(os.Stderr, errgo.Details(err))
			}
			failCount++
		}
	}
	os.Exit(failCount)
}

func processFile(filename string) error {
	var (
		f           *tiff.File
		err         error
		displayName = filename
	)
	if filename == "-" {
		data, rerr := io.ReadAll(os.Stdin)
		if rerr != nil {
			return errgo.Notef(rerr, "reading stdin")
		}
		f, err = tiff.OpenReader(bytes.NewReader(data), int64(len(data)))
		displayName = "<stdin>"
	} else {
		f, err = tiff.Open(filename)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	printFileInfo(displayName, f)

	if strict {
		if err := f.Validate(); err != nil {
			fmt.Printf("\nValidation error:\n  - %v\n", err)
			return errgo.Notef(err, "validation failed")
		}
	}
	return nil
}

func printFileInfo(filename string, f *tiff.File) {
	order := "little endian"
	if f.ByteOrder().Uint16([]byte{1, 0}) != 1 {
		order = "big endian"
	}
	fmt.Printf("File: %s\n", filename)
	fmt.Printf("  Byte order: %s\n", order)
	fmt.Printf("  First directory: %d\n", f.FirstOffset())
	fmt.Printf("  Pages: %d\n", f.NumPages())

	for i := 0; i < f.NumPages(); i++ {
		printPage(f, i)
	}
}

func printPage(f *tiff.File, i int) {
	d := f.Page(i)
	fmt.Printf("\n  Page %d @ %d:\n", i, d.Offset)
	fmt.Printf("    Size: %d x %d, %d bits\n", d.Width(), d.Height(), d.BitsPerSample())
	fmt.Printf("    Subfile type: %s\n", subfileName(d.SubfileType()))
	if s, err := f.Text(i, tiff.TagSoftware); err == nil {
		fmt.Printf("    Software: %s\n", s)
	}
	if s, err := f.Text(i, tiff.TagDateTime); err == nil {
		fmt.Printf("    Date: %s\n", s)
	}
	fmt.Printf("    Next directory: %d\n", d.Next)

	if !verbose {
		return
	}
	fmt.Printf("    Records (%d):\n", len(d.Records))
	for _, r := range d.Records {
		fmt.Printf("      - %3d %-8s count=%-6d value=%d\n", r.Tag, r.Type, r.Count, r.Value)
	}
}

func subfileName(t int) string {
	switch t {
	case tiff.SubfileSingle:
		return "single image"
	case tiff.SubfilePage:
		return "page"
	default:
		return fmt.Sprintf("%d", t)
	}
}
