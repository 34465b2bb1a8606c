package dataset

import (
	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
	"image"
	"image/color"
	"math/rand/v2"
)

// LetterboxRect returns the centered area of a size x size square covered by an image of the given
// dimensions, once scaled to fit preserving its aspect ratio.
func LetterboxRect(dims image.Point, size int) image.Rectangle {
	if dims.X <= 0 || dims.Y <= 0 {
		return image.Rectangle{}
	}
	scale := math32.Min(float32(size)/float32(dims.X), float32(size)/float32(dims.Y))
	width := min(size, max(1, int(math32.Round(scale*float32(dims.X)))))
	height := min(size, max(1, int(math32.Round(scale*float32(dims.Y)))))
	minPt := image.Pt((size-width)/2, (size-height)/2)
	return image.Rectangle{Min: minPt, Max: minPt.Add(image.Pt(width, height))}
}

// RandomHoles returns a flat size x size mask with 1 to maxHoles random rectangles set to 1, all within
// the content area. Each side of a rectangle covers at most maxHoleFraction of the corresponding side
// of the content, and at least one pixel.
func RandomHoles(rng *rand.Rand, size, maxHoles int, maxHoleFraction float32, content image.Rectangle) []float32 {
	mask := make([]float32, size*size)
	content = content.Intersect(image.Rect(0, 0, size, size))
	if content.Empty() {
		return mask
	}
	numHoles := 1 + rng.IntN(maxHoles)
	for range numHoles {
		width := holeSide(rng, content.Dx(), maxHoleFraction)
		height := holeSide(rng, content.Dy(), maxHoleFraction)
		x0 := content.Min.X + rng.IntN(content.Dx()-width+1)
		y0 := content.Min.Y + rng.IntN(content.Dy()-height+1)
		for y := y0; y < y0+height; y++ {
			for x := x0; x < x0+width; x++ {
				mask[y*size+x] = 1
			}
		}
	}
	return mask
}

// holeSide returns a random length in [1, ceil(fraction*side)].
func holeSide(rng *rand.Rand, side int, fraction float32) int {
	maxSide := int(math32.Ceil(fraction * float32(side)))
	maxSide = min(side, max(1, maxSide))
	return 1 + rng.IntN(maxSide)
}

// LoadMask loads a mask image (white where pixels are missing) from path, letterboxed the same way as
// the images, and returns it as a flat size x size mask. Pixels in the padding are never missing.
func LoadMask(path string, size int) ([]float32, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load mask %q", path)
	}
	return MaskFromImage(img, size), nil
}

// MaskFromImage converts a mask image, where pixels brighter than half intensity are considered missing,
// to a flat size x size mask.
func MaskFromImage(img image.Image, size int) []float32 {
	ex := NewExample(imaging.Grayscale(img), size)
	mask := make([]float32, size*size)
	for y := ex.Content.Min.Y; y < ex.Content.Max.Y; y++ {
		for x := ex.Content.Min.X; x < ex.Content.Max.X; x++ {
			gray := color.GrayModel.Convert(ex.Image.At(x, y)).(color.Gray)
			if gray.Y >= 128 {
				mask[y*size+x] = 1
			}
		}
	}
	return mask
}

// Composite returns the inpainted image of the example: pixels missing according to mask are taken from
// output (a [height, width, channels] tensor), the others from the original image. The padding is
// cropped away.
func Composite(ex *Example, mask []float32, output *tensors.Tensor) (*image.NRGBA, error) {
	size := ex.Image.Bounds().Dx()
	dims := output.Shape().Dimensions
	if len(dims) != 3 || dims[0] != size || dims[1] != size || len(mask) != size*size {
		return nil, errors.Errorf("output shaped %s and %d mask values don't match a %dx%d example",
			output.Shape(), len(mask), size, size)
	}
	generated := images.ToImage().Single(output)
	result := imaging.Clone(ex.Image)
	for y := range size {
		for x := range size {
			if mask[y*size+x] > 0.5 {
				result.Set(x, y, generated.At(x, y))
			}
		}
	}
	return imaging.Crop(result, ex.Content), nil
}
