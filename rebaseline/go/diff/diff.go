// Package diff computes pixel differences between two images.
package diff

import (
	"image"
	"image/color"
	"image/draw"

	"go.skia.org/rebaseline/go/util"
)

// NUM_CHANNELS is the number of color channels compared. Alpha is ignored.
const NUM_CHANNELS = 3

// DiffRecord holds the metrics of comparing exactly one pair of images.
// It is immutable once computed.
type DiffRecord struct {
	// Width and Height of the compared area. When the images have different
	// dimensions this is the union of both.
	Width  int `json:"width"`
	Height int `json:"height"`

	// NumPixelsDiffering counts pixels where any channel differs.
	NumPixelsDiffering int `json:"numDifferingPixels"`

	// WeightedDiffMeasure is a percentage in [0, 100] that weighs each channel
	// difference quadratically, so large local changes count for more than
	// many small ones.
	WeightedDiffMeasure float64 `json:"weightedDiffMeasure"`

	// MaxDiffPerChannel is the largest absolute difference seen in R, G and B.
	MaxDiffPerChannel [NUM_CHANNELS]int `json:"maxDiffPerChannel"`

	// DimDiffer is true if the two images have different dimensions.
	DimDiffer bool `json:"dimDiffer"`
}

// PercentPixelsDiffering returns the share of differing pixels, from 0 to 100.
func (d *DiffRecord) PercentPixelsDiffering() float64 {
	total := d.Width * d.Height
	if total == 0 {
		return 0
	}
	return float64(d.NumPixelsDiffering) * 100 / float64(total)
}

// Result is a DiffRecord plus the images it was derived from.
type Result struct {
	Record *DiffRecord
	// DiffImage holds the absolute per-channel difference, fully opaque.
	DiffImage *image.NRGBA
	// WhiteDiffImage is white wherever any channel differs and black elsewhere.
	WhiteDiffImage *image.Gray
}

// GetNRGBA converts img to *image.NRGBA with bounds starting at (0, 0).
// If img is already such an image it is returned as is.
func GetNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Bounds().Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	ret := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(ret, ret.Bounds(), img, b.Min, draw.Src)
	return ret
}

// Compute diffs expected against actual.
//
// The result covers the union of both bounds. Pixels present in only one of
// the images count as differing by 255 in every channel.
func Compute(expected, actual image.Image) *Result {
	img1 := GetNRGBA(expected)
	img2 := GetNRGBA(actual)
	b1, b2 := img1.Bounds(), img2.Bounds()

	width := util.MaxInt(b1.Dx(), b2.Dx())
	height := util.MaxInt(b1.Dy(), b2.Dy())
	cmpWidth := util.MinInt(b1.Dx(), b2.Dx())
	cmpHeight := util.MinInt(b1.Dy(), b2.Dy())

	diffImg := image.NewNRGBA(image.Rect(0, 0, width, height))
	whiteImg := image.NewGray(image.Rect(0, 0, width, height))

	var histogram [256]int64
	maxDiffs := [NUM_CHANNELS]int{}
	numDiffering := 0

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var channelDiffs [NUM_CHANNELS]int
			if x < cmpWidth && y < cmpHeight {
				p1 := img1.PixOffset(x, y)
				p2 := img2.PixOffset(x, y)
				for c := 0; c < NUM_CHANNELS; c++ {
					channelDiffs[c] = util.AbsInt(int(img1.Pix[p1+c]) - int(img2.Pix[p2+c]))
				}
			} else {
				channelDiffs = [NUM_CHANNELS]int{255, 255, 255}
			}

			differs := false
			out := diffImg.PixOffset(x, y)
			for c := 0; c < NUM_CHANNELS; c++ {
				d := channelDiffs[c]
				histogram[d]++
				diffImg.Pix[out+c] = uint8(d)
				if d > maxDiffs[c] {
					maxDiffs[c] = d
				}
				if d != 0 {
					differs = true
				}
			}
			diffImg.Pix[out+3] = 0xff
			if differs {
				numDiffering++
				whiteImg.SetGray(x, y, color.Gray{Y: 0xff})
			}
		}
	}

	return &Result{
		Record: &DiffRecord{
			Width:               width,
			Height:              height,
			NumPixelsDiffering:  numDiffering,
			WeightedDiffMeasure: weightedDiffMeasure(histogram, width, height),
			MaxDiffPerChannel:   maxDiffs,
			DimDiffer:           b1.Size() != b2.Size(),
		},
		DiffImage:      diffImg,
		WhiteDiffImage: whiteImg,
	}
}

// weightedDiffMeasure is 100 * sum(count[i] * i^2) / (3 * W * H * 255^2).
func weightedDiffMeasure(histogram [256]int64, width, height int) float64 {
	if width == 0 || height == 0 {
		return 0
	}
	var total float64
	for i, count := range histogram {
		total += float64(count) * float64(i*i)
	}
	return 100 * total / (float64(NUM_CHANNELS) * float64(width) * float64(height) * 255 * 255)
}
