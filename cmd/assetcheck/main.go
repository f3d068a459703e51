// Package main implements assetcheck, a packaging-time linter for the
// clock's sprite set. The face pipeline only accepts uncompressed 8-bit
// indexed bitmaps, so this walks an asset directory and reports every
// .bmp that would be rejected at boot.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/selenograph/moonclock/internal/asset"
)

var quiet = flag.Bool("quiet", false, "print failures and the summary only")

var (
	okMark   = color.New(color.FgGreen)
	failMark = color.New(color.FgRed)
)

func main() {
	flag.Parse()

	dir := "assets"
	switch args := flag.Args(); len(args) {
	case 0:
	case 1:
		dir = args[0]
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [asset-dir]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	checked, failed, err := run(dir, os.Stdout, *quiet)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	case checked == 0:
		fmt.Fprintf(os.Stderr, "no .bmp files under %s\n", dir)
		os.Exit(2)
	case failed > 0:
		fmt.Printf("%s %d of %d assets rejected\n", failMark.Sprint("FAIL"), failed, checked)
		os.Exit(1)
	}
	if !*quiet {
		fmt.Printf("%s %d assets accepted\n", okMark.Sprint("  OK"), checked)
	}
}

// run checks every .bmp under dir against the 8-bit indexed contract and
// writes one verdict line per file. The summary and exit code stay in main.
func run(dir string, out io.Writer, quiet bool) (checked, failed int, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".bmp") {
			return nil
		}
		checked++
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		if info, checkErr := checkFile(path); checkErr != nil {
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", failMark.Sprint("FAIL"), rel, checkErr)
		} else if !quiet {
			fmt.Fprintf(out, "%s %s (%dx%d, %d bpp)\n", okMark.Sprint("  OK"), rel, info.Width, info.Height, info.BitsPerPixel)
		}
		return nil
	})
	return checked, failed, err
}

func checkFile(path string) (asset.Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return asset.Info{}, err
	}
	defer f.Close()

	info, err := asset.Inspect(f)
	if err != nil {
		return asset.Info{}, err
	}
	return info, info.Check()
}
