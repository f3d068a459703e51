// Package asset loads the clock's sprite set: one hundred pre-rendered moon
// phase frames plus the splash and sleeping screens. The face pipeline only
// understands 8-bit indexed color, so every file is checked against that
// format up front and rejected with a typed error instead of reaching the
// display half-decoded.
package asset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"golang.org/x/image/bmp"
)

var (
	// ErrNotBMP indicates the file does not carry a readable BMP header.
	ErrNotBMP = errors.New("not a BMP file")

	// ErrTruncated indicates the file ends inside the header.
	ErrTruncated = errors.New("truncated BMP header")

	// ErrBadBitDepth indicates a bitmap stored at any depth other than
	// 8-bit indexed.
	ErrBadBitDepth = errors.New("bitmap is not 8-bit indexed")

	// ErrCompressed indicates RLE or bitfield compression, which the
	// indexed pipeline does not accept.
	ErrCompressed = errors.New("bitmap is compressed")
)

// Info describes a BMP header without decoding any pixel data.
type Info struct {
	Width        int
	Height       int
	BitsPerPixel int
	Compression  uint32
}

// Everything Inspect needs sits in the first 34 bytes: the file header
// (14 bytes) plus the leading fields of the DIB header.
const headerPrefixLen = 34

// Inspect reads the BMP file and DIB headers from r. The reader is consumed
// up to the end of the header prefix.
func Inspect(r io.Reader) (Info, error) {
	var buf [headerPrefixLen]byte
	n, err := io.ReadFull(r, buf[:])
	if n >= 2 && (buf[0] != 'B' || buf[1] != 'M') {
		return Info{}, fmt.Errorf("%w: magic %q", ErrNotBMP, buf[:2])
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Info{}, fmt.Errorf("%w: %d header bytes", ErrTruncated, n)
		}
		return Info{}, fmt.Errorf("read BMP header: %w", err)
	}
	if dibLen := binary.LittleEndian.Uint32(buf[14:18]); dibLen < 40 {
		return Info{}, fmt.Errorf("%w: legacy %d-byte DIB header", ErrNotBMP, dibLen)
	}

	height := int(int32(binary.LittleEndian.Uint32(buf[22:26])))
	if height < 0 { // negative height marks top-down row order
		height = -height
	}
	return Info{
		Width:        int(int32(binary.LittleEndian.Uint32(buf[18:22]))),
		Height:       height,
		BitsPerPixel: int(binary.LittleEndian.Uint16(buf[28:30])),
		Compression:  binary.LittleEndian.Uint32(buf[30:34]),
	}, nil
}

// Check reports whether the described bitmap is acceptable to the face
// pipeline: uncompressed, 8 bits per pixel.
func (i Info) Check() error {
	if i.Compression != 0 {
		return fmt.Errorf("%w: compression mode %d", ErrCompressed, i.Compression)
	}
	if i.BitsPerPixel != 8 {
		return fmt.Errorf("%w: %d bpp", ErrBadBitDepth, i.BitsPerPixel)
	}
	return nil
}

// Validate checks that r holds an uncompressed 8-bit indexed BMP.
func Validate(r io.Reader) error {
	info, err := Inspect(r)
	if err != nil {
		return err
	}
	return info.Check()
}

// Load decodes the file at path, enforcing the indexed-color contract twice:
// the header check up front for a precise error, then the decoded type,
// which is *image.Paletted only when the pixel data really is indexed.
func Load(path string) (*image.Paletted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := Inspect(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := info.Check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", path, err)
	}

	img, err := bmp.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	paletted, ok := img.(*image.Paletted)
	if !ok {
		return nil, fmt.Errorf("%s: %w: decoded as %T", path, ErrBadBitDepth, img)
	}
	return paletted, nil
}
