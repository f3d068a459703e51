package render

import (
	"image"
	"strings"

	"github.com/fatih/color"
)

// ANSI renders the face for a truecolor terminal, packing two pixel rows
// into each text line with the upper half block glyph: foreground carries
// the top pixel, background the bottom.
func ANSI(img image.Image) string {
	b := img.Bounds()
	var sb strings.Builder
	for y := b.Min.Y; y < b.Max.Y; y += 2 {
		for x := b.Min.X; x < b.Max.X; x++ {
			tr, tg, tb, _ := img.At(x, y).RGBA()
			cell := color.RGB(int(tr>>8), int(tg>>8), int(tb>>8))
			if y+1 < b.Max.Y {
				br, bg, bbl, _ := img.At(x, y+1).RGBA()
				cell = cell.AddBgRGB(int(br>>8), int(bg>>8), int(bbl>>8))
			}
			sb.WriteString(cell.Sprint("▀"))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
