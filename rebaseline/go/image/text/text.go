// Package text contains an image plain text file format encoder and decoder.
//
// A super simple format of the form:
//
//	! SKTEXTSIMPLE
//	width height
//	0x000000ff 0xffffffff ...
//	0xddddddff 0xffffff88 ...
//	...
//
// Where the pixel values are encoded as 0xRRGGBBAA. Grayscale pixels can be
// encoded as 0xXX, which is shorthand for 0xXXXXXXff.
//
// Test code uses it to write small images inline; the PNG helpers turn those
// into the bytes an image source would serve.
package text

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strconv"
	"strings"

	"go.skia.org/rebaseline/go/skerr"
)

const skTextHeader = "! SKTEXTSIMPLE\n"

// dim returns the dimensions of the image.
func dim(reader *bufio.Reader) (int, int, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return 0, 0, skerr.Wrapf(err, "reading SKTEXT header")
	}
	if line != skTextHeader {
		return 0, 0, skerr.Fmt("Not a valid SKTEXT file: %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return 0, 0, skerr.Wrapf(err, "reading SKTEXT dimensions")
	}
	width, height := 0, 0
	if n, err := fmt.Sscanf(line, "%d %d", &width, &height); err != nil || n != 2 {
		return 0, 0, skerr.Fmt("Not a valid SKTEXT file, couldn't find width and height in %q", line)
	}
	return width, height, nil
}

func parsePixel(h string) (r, g, b, a uint8, err error) {
	if !strings.HasPrefix(h, "0x") || (len(h) != 4 && len(h) != 10) {
		return 0, 0, 0, 0, skerr.Fmt("Invalid pixel format, must be 0xRRGGBBAA or 0xXX, got %q", h)
	}
	pixel, err := strconv.ParseUint(h, 0, 32)
	if err != nil {
		return 0, 0, 0, 0, skerr.Wrap(err)
	}
	if len(h) == 10 {
		return uint8(pixel >> 24), uint8(pixel >> 16), uint8(pixel >> 8), uint8(pixel), nil
	}
	return uint8(pixel), uint8(pixel), uint8(pixel), 0xff, nil
}

// Decode reads an SKTEXT image from r and returns it as an image.Image.
// The type of Image returned will always be NRGBA.
func Decode(r io.Reader) (image.Image, error) {
	reader := bufio.NewReader(r)
	width, height, err := dim(reader)
	if err != nil {
		return nil, err
	}
	ret := image.NewNRGBA(image.Rect(0, 0, width, height))
	y := 0
	for {
		line, readErr := reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, skerr.Wrapf(readErr, "reading SKTEXT pixels")
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			if y >= height {
				return nil, skerr.Fmt("Too many y values: more than %d", height)
			}
			if len(fields) > width {
				return nil, skerr.Fmt("Too many x values: %d > %d", len(fields), width)
			}
			for x, h := range fields {
				r, g, b, a, err := parsePixel(h)
				if err != nil {
					return nil, err
				}
				offset := y*ret.Stride + x*4
				ret.Pix[offset+0] = r
				ret.Pix[offset+1] = g
				ret.Pix[offset+2] = b
				ret.Pix[offset+3] = a
			}
			y++
		}
		if readErr == io.EOF {
			return ret, nil
		}
	}
}

// DecodeConfig returns the color model and dimensions of SKTEXT image without
// decoding the entire image.
func DecodeConfig(r io.Reader) (image.Config, error) {
	width, height, err := dim(bufio.NewReader(r))
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{
		ColorModel: color.NRGBAModel,
		Width:      width,
		Height:     height,
	}, nil
}

// Encode encodes the image in SKTEXT format.
func Encode(w io.Writer, m *image.NRGBA) error {
	b := m.Bounds()
	if _, err := fmt.Fprintf(w, "%s%d %d\n", skTextHeader, b.Dx(), b.Dy()); err != nil {
		return err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := make([]string, 0, b.Dx())
		for x := b.Min.X; x < b.Max.X; x++ {
			c := m.NRGBAAt(x, y)
			row = append(row, fmt.Sprintf("0x%02x%02x%02x%02x", c.R, c.G, c.B, c.A))
		}
		sep := "\n"
		if y == b.Max.Y-1 {
			sep = ""
		}
		if _, err := io.WriteString(w, strings.Join(row, " ")+sep); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	image.RegisterFormat("sktext", skTextHeader, Decode, DecodeConfig)
}

// MustToNRGBA returns an *image.NRGBA from a given string, which is assumed to be an image in the
// SKTEXTSIMPLE "codec". It panics if the string cannot be processed into an image, suitable only
// for testing code.
func MustToNRGBA(s string) *image.NRGBA {
	img, err := Decode(strings.NewReader(s))
	if err != nil {
		// This indicates an error with the static test data.
		panic(fmt.Sprintf("Failed to decode a valid image: %s", err))
	}
	return img.(*image.NRGBA)
}

// MustToPNG converts an SKTEXTSIMPLE image to PNG bytes, panicking on error.
func MustToPNG(s string) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, MustToNRGBA(s)); err != nil {
		panic(fmt.Sprintf("Failed to encode PNG: %s", err))
	}
	return buf.Bytes()
}
