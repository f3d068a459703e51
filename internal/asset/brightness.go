package asset

import (
	"image"
	"image/color"
)

// ScalePalette returns a copy of img with every palette entry dimmed by
// brightness, 0 for black through 1 for unchanged. The pixel index data is
// shared with the input; only the palette is rebuilt.
func ScalePalette(img *image.Paletted, brightness float64) *image.Paletted {
	b := clamp01(brightness)
	pal := make(color.Palette, len(img.Palette))
	for i, entry := range img.Palette {
		r, g, bl, a := entry.RGBA()
		pal[i] = color.RGBA{
			R: uint8(float64(r>>8) * b),
			G: uint8(float64(g>>8) * b),
			B: uint8(float64(bl>>8) * b),
			A: uint8(a >> 8),
		}
	}
	out := *img
	out.Palette = pal
	return &out
}

// ScaleRGB dims a packed 0xRRGGBB color the same way the panel's global
// brightness dims the palette, returning an opaque color.
func ScaleRGB(rgb uint32, brightness float64) color.RGBA {
	b := clamp01(brightness)
	return color.RGBA{
		R: uint8(float64(rgb>>16&0xFF) * b),
		G: uint8(float64(rgb>>8&0xFF) * b),
		B: uint8(float64(rgb&0xFF) * b),
		A: 0xFF,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
