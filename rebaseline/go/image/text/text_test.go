package text

import (
	"bytes"
	"image"
	"image/png"
	"strings"
	"testing"

	assert "github.com/stretchr/testify/require"
	"go.skia.org/rebaseline/go/testutils/unittest"
)

const img2x2 = `! SKTEXTSIMPLE
2 2
0x112233ff 0x00
0xff 0x44556677`

func TestDecode(t *testing.T) {
	unittest.SmallTest(t)
	img := MustToNRGBA(img2x2)
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	assert.Equal(t, []uint8{
		0x11, 0x22, 0x33, 0xff, 0x00, 0x00, 0x00, 0xff,
		0xff, 0xff, 0xff, 0xff, 0x44, 0x55, 0x66, 0x77,
	}, img.Pix)
}

func TestRoundTrip(t *testing.T) {
	unittest.SmallTest(t)
	var buf bytes.Buffer
	assert.NoError(t, Encode(&buf, MustToNRGBA(img2x2)))
	assert.Equal(t, `! SKTEXTSIMPLE
2 2
0x112233ff 0x000000ff
0xffffffff 0x44556677`, buf.String())
	assert.Equal(t, MustToNRGBA(img2x2).Pix, MustToNRGBA(buf.String()).Pix)
}

func TestDecodeErrors(t *testing.T) {
	unittest.SmallTest(t)
	bad := []string{
		"P6\n2 2\n",
		"! SKTEXTSIMPLE\nfoo\n",
		"! SKTEXTSIMPLE\n1 1\n0x00 0x00\n",
		"! SKTEXTSIMPLE\n1 1\n0x00\n0x00\n",
		"! SKTEXTSIMPLE\n1 1\n0x0\n",
		"! SKTEXTSIMPLE\n1 1\nzz\n",
	}
	for _, s := range bad {
		_, err := Decode(strings.NewReader(s))
		assert.Error(t, err, s)
	}
}

func TestRegisteredFormatAndPNG(t *testing.T) {
	unittest.SmallTest(t)
	_, format, err := image.Decode(strings.NewReader(img2x2))
	assert.NoError(t, err)
	assert.Equal(t, "sktext", format)

	decoded, err := png.Decode(bytes.NewReader(MustToPNG(img2x2)))
	assert.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), decoded.Bounds())
}
