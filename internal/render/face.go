// Package render composes the clock face: moon sprite, illumination
// percentage, local time and date, and the current rise/set event, laid out
// for a landscape or portrait panel. The output is a plain RGBA image; PNG
// encoding, snapshot writes and the terminal preview build on it.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	"github.com/selenograph/moonclock/internal/asset"
	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/observability"
)

// Colors are the packed 0xRRGGBB paints for the face text elements.
type Colors struct {
	MoonEvent   uint32
	MoonPercent uint32
	SunEvent    uint32
	Time        uint32
	Date        uint32
}

// DefaultColors match the shipped sprite set.
func DefaultColors() Colors {
	return Colors{
		MoonEvent:   0x333388,
		MoonPercent: 0xFFFF00,
		SunEvent:    0xC04000,
		Time:        0x808080,
		Date:        0x808080,
	}
}

// Config selects the face geometry and style.
type Config struct {
	// Rotation is the panel mounting angle: 0, 90, 180 or 270 degrees.
	// 0 and 180 are landscape, 90 and 270 portrait.
	Rotation int

	// Brightness in 0..1 scales sprite palettes and text paint alike.
	Brightness float64

	TwelveHour bool

	// Countdown switches the event slot from time-of-event to
	// time-to-event.
	Countdown bool

	Colors Colors
}

// Input carries everything one face composition needs. Sprite may be nil
// before the first frame decodes; Splash and Sleeping may be nil when the
// sprite set omits them.
type Input struct {
	Snapshot models.MoonSnapshot
	Sprite   *image.Paletted
	Splash   *image.Paletted
	Sleeping *image.Paletted

	// HaveData is false until the first ephemeris window arrives; the
	// face shows the splash screen until then.
	HaveData bool
}

// Renderer composes faces for one panel configuration, reusing the parsed
// fonts across frames. It is not safe for concurrent use; the scheduler
// owns one.
type Renderer struct {
	cfg Config

	timeFace  font.Face
	smallFace font.Face

	glyphRise, glyphSet         string
	glyphRiseNext, glyphSetNext string

	moonEvent   color.RGBA
	moonPercent color.RGBA
	sunEvent    color.RGBA
	timePaint   color.RGBA
	datePaint   color.RGBA
	outline     color.RGBA
	background  color.RGBA
}

// New builds a renderer. Font parsing happens once here; rendering itself
// allocates only the canvas.
func New(cfg Config) (*Renderer, error) {
	switch cfg.Rotation {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("rotation %d is not one of 0, 90, 180, 270", cfg.Rotation)
	}
	if cfg.Colors == (Colors{}) {
		cfg.Colors = DefaultColors()
	}

	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse bold font: %w", err)
	}
	regular, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse regular font: %w", err)
	}
	timeFace, err := opentype.NewFace(bold, &opentype.FaceOptions{Size: 12, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("build time face: %w", err)
	}
	smallFace, err := opentype.NewFace(regular, &opentype.FaceOptions{Size: 10, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("build small face: %w", err)
	}

	r := &Renderer{
		cfg:         cfg,
		timeFace:    timeFace,
		smallFace:   smallFace,
		moonEvent:   asset.ScaleRGB(cfg.Colors.MoonEvent, cfg.Brightness),
		moonPercent: asset.ScaleRGB(cfg.Colors.MoonPercent, cfg.Brightness),
		sunEvent:    asset.ScaleRGB(cfg.Colors.SunEvent, cfg.Brightness),
		timePaint:   asset.ScaleRGB(cfg.Colors.Time, cfg.Brightness),
		datePaint:   asset.ScaleRGB(cfg.Colors.Date, cfg.Brightness),
		outline:     color.RGBA{A: 0xFF},
		background:  color.RGBA{A: 0xFF},
	}
	r.pickGlyphs(regular)
	return r, nil
}

// pickGlyphs chooses the rise and set markers: single arrows for today's
// events, double-headed arrows for tomorrow's. Faces lacking the
// double-headed pair fall back to doubled plain arrows, and faces lacking
// arrows entirely fall back to carets.
func (r *Renderer) pickGlyphs(f *sfnt.Font) {
	r.glyphRise, r.glyphSet = "↑", "↓"
	if !hasGlyph(f, '↑') || !hasGlyph(f, '↓') {
		r.glyphRise, r.glyphSet = "^", "v"
	}
	r.glyphRiseNext, r.glyphSetNext = "↟", "↡"
	if !hasGlyph(f, '↟') || !hasGlyph(f, '↡') {
		r.glyphRiseNext = r.glyphRise + r.glyphRise
		r.glyphSetNext = r.glyphSet + r.glyphSet
	}
}

func hasGlyph(f *sfnt.Font, r rune) bool {
	var buf sfnt.Buffer
	idx, err := f.GlyphIndex(&buf, r)
	return err == nil && idx != 0
}

// layout is the panel geometry for one composition. Y positions are the
// vertical centers of their text lines.
type layout struct {
	name      string
	w, h      int
	centerX   int
	moonY     int
	timeY     int
	eventY    int
	eventX    int
	landscape bool
}

func (r *Renderer) layoutFor(snap models.MoonSnapshot) layout {
	if r.cfg.Rotation%180 == 0 {
		// Moon on the left, time top right, rise/set bottom right.
		return layout{name: "landscape", w: 64, h: 32, centerX: 48, moonY: 0, timeY: 6, eventY: 26, eventX: 31, landscape: true}
	}
	l := layout{name: "portrait", w: 32, h: 64, centerX: 16}
	if snap.MoonRisen || snap.SunRisen {
		// Moon at top, event in the middle, time and date at the bottom.
		l.moonY, l.eventY, l.timeY = 0, 38, 49
	} else {
		// Flipped stack while everything is below the horizon.
		l.timeY, l.eventY, l.moonY = 6, 26, 32
	}
	return l
}

// Face composes the current clock face.
func (r *Renderer) Face(in Input) *image.RGBA {
	start := time.Now()
	l := r.layoutFor(in.Snapshot)

	img := image.NewRGBA(image.Rect(0, 0, l.w, l.h))
	draw.Draw(img, img.Bounds(), image.NewUniform(r.background), image.Point{}, draw.Src)

	switch {
	case !in.HaveData:
		r.fullScreen(img, in.Splash)
	case in.Snapshot.Sleeping && in.Sleeping != nil:
		r.fullScreen(img, in.Sleeping)
	default:
		r.compose(img, l, in)
	}

	if r.cfg.Rotation == 180 || r.cfg.Rotation == 270 {
		img = rotate180(img)
	}
	observability.FaceRenderDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	return img
}

// fullScreen covers the face with a single screen image, or the red fallback
// text when the image is missing.
func (r *Renderer) fullScreen(img *image.RGBA, src *image.Paletted) {
	if src == nil {
		r.drawFallback(img, img.Bounds().Dx()/2, img.Bounds().Dy()/2)
		return
	}
	scaled := asset.ScalePalette(src, r.cfg.Brightness)
	draw.Draw(img, img.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
}

func (r *Renderer) compose(img *image.RGBA, l layout, in Input) {
	snap := in.Snapshot

	if in.Sprite != nil {
		spr := asset.ScalePalette(in.Sprite, r.cfg.Brightness)
		sb := spr.Bounds()
		draw.Draw(img, image.Rect(0, l.moonY, sb.Dx(), l.moonY+sb.Dy()), spr, sb.Min, draw.Src)
	} else {
		r.drawFallback(img, 16, l.moonY+16)
	}

	// Illumination percentage over the moon disc, outlined in black so it
	// stays readable on the bright limb.
	pct := snap.IlluminationText
	px := 16 - textWidth(r.smallFace, pct)/2
	py := baselineFor(r.smallFace, l.moonY+16)
	for _, d := range [4][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}} {
		r.drawText(img, r.smallFace, pct, px+d[0], py+d[1], r.outline)
	}
	r.drawText(img, r.smallFace, pct, px, py, r.moonPercent)

	r.drawEvent(img, l, snap)

	now := snap.LocalTime
	ts := clockText(now, r.cfg.TwelveHour)
	r.drawText(img, r.timeFace, ts,
		l.centerX-textWidth(r.timeFace, ts)/2,
		baselineFor(r.timeFace, l.timeY), r.timePaint)

	ds := fmt.Sprintf("%d/ %d", int(now.Month()), now.Day())
	r.drawText(img, r.smallFace, ds,
		l.centerX-textWidth(r.smallFace, ds)/2-1,
		baselineFor(r.smallFace, l.timeY+10), r.datePaint)
}

// drawEvent fills the rise/set slot for the event currently in rotation.
// Nothing is drawn when the window has no event for the slot.
func (r *Renderer) drawEvent(img *image.RGBA, l layout, snap models.MoonSnapshot) {
	ev := snap.RotationEvent
	if ev == nil {
		return
	}

	glyph := r.glyphFor(ev)
	text := r.eventText(ev, snap.LocalTime, l.landscape)

	// The glyph cell is at least the classic 6px column, wider when the
	// fallback doubles the arrow.
	cell := textWidth(r.smallFace, glyph) + 1
	if cell < 6 {
		cell = 6
	}
	x := l.eventX
	if !l.landscape {
		x = l.centerX - (textWidth(r.smallFace, text)+cell)/2
	}

	paint := r.moonEvent
	if ev.Body == models.BodySun {
		paint = r.sunEvent
	}
	r.drawText(img, r.smallFace, glyph, x, baselineFor(r.smallFace, l.eventY-2), paint)
	r.drawText(img, r.smallFace, text, x+cell, baselineFor(r.smallFace, l.eventY), paint)
}

func (r *Renderer) glyphFor(ev *models.Event) string {
	switch {
	case ev.Tomorrow && ev.Kind == models.EventRise:
		return r.glyphRiseNext
	case ev.Tomorrow:
		return r.glyphSetNext
	case ev.Kind == models.EventRise:
		return r.glyphRise
	default:
		return r.glyphSet
	}
}

// eventText renders the event cell: the event's wall time, 24-hour in
// landscape where it fits beside the glyph, 12-hour in portrait, or the
// remaining time when countdown mode is on.
func (r *Renderer) eventText(ev *models.Event, now time.Time, landscape bool) string {
	if r.cfg.Countdown {
		return countdownText(ev.At.Sub(now))
	}
	h := ev.At.Hour()
	if !landscape {
		switch {
		case h == 0:
			h = 12
		case h > 12:
			h -= 12
		}
	}
	return fmt.Sprintf("%d:%02d", h, ev.At.Minute())
}

// drawFallback paints the classic red howl where an image should have been.
func (r *Renderer) drawFallback(img *image.RGBA, centerX, centerY int) {
	const s = "AWOO"
	r.drawText(img, r.timeFace, s,
		centerX-textWidth(r.timeFace, s)/2,
		baselineFor(r.timeFace, centerY),
		color.RGBA{R: 0xFF, A: 0xFF})
}

func (r *Renderer) drawText(img *image.RGBA, face font.Face, s string, x, y int, paint color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(paint),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// clockText formats the main clock, "7:02" in 12-hour mode and "19:02" in
// 24-hour mode.
func clockText(t time.Time, twelveHour bool) string {
	if !twelveHour {
		return t.Format("15:04")
	}
	h := t.Hour()
	switch {
	case h == 0:
		h = 12
	case h > 12:
		h -= 12
	}
	return fmt.Sprintf("%d:%02d", h, t.Minute())
}

// countdownText formats the time remaining to an event, "42m" inside the
// hour and "3h02m" beyond it.
func countdownText(until time.Duration) string {
	if until < 0 {
		until = 0
	}
	h := int(until / time.Hour)
	m := int(until/time.Minute) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}

func textWidth(face font.Face, s string) int {
	return font.MeasureString(face, s).Ceil()
}

// baselineFor converts a line's vertical center into the baseline the font
// drawer expects.
func baselineFor(face font.Face, centerY int) int {
	m := face.Metrics()
	return centerY + (m.Ascent.Ceil()-m.Descent.Ceil())/2
}

// rotate180 flips the face for panels mounted upside down.
func rotate180(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetRGBA(b.Max.X-1-x, b.Max.Y-1-y, src.RGBAAt(x, y))
		}
	}
	return dst
}

// EncodePNG serializes a rendered face.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode face png: %w", err)
	}
	return buf.Bytes(), nil
}
