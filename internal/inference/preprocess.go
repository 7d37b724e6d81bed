package inference

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
)

// DefaultImageSize is the square input edge expected by the classifier.
const DefaultImageSize = 224

// MaxPixels caps the decoded size of an upload. Headers are checked before
// any pixel data is allocated.
const MaxPixels = 40_000_000

// ErrInvalidImage is returned when an upload cannot be decoded as an image.
var ErrInvalidImage = errors.New("inference: invalid image")

// Decode reads an image in any format registered with imaging (JPEG, PNG,
// GIF, BMP, TIFF) and applies its EXIF orientation. Images larger than
// MaxPixels are rejected.
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, MaxPixels)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// Tensor returns img as a size x size x 3 RGB array scaled to [0,1]. The
// image is centre cropped to a square and resampled with Lanczos.
func Tensor(img image.Image, size int) [][][]float32 {
	if size <= 0 {
		size = DefaultImageSize
	}
	fitted := imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	out := make([][][]float32, size)
	for y := 0; y < size; y++ {
		row := make([][]float32, size)
		offset := y * fitted.Stride
		for x := 0; x < size; x++ {
			px := fitted.Pix[offset+x*4 : offset+x*4+3]
			row[x] = []float32{
				float32(px[0]) / 255,
				float32(px[1]) / 255,
				float32(px[2]) / 255,
			}
		}
		out[y] = row
	}
	return out
}
