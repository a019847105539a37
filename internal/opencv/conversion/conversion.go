package conversion

import (
	"fmt"
	"image"

	"slidepatch/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// RGBAToRGBMat drops the alpha channel of img and returns a 3-channel Mat in
// R, G, B channel order. Note this is not OpenCV's default BGR order; color
// conversions on the result must use the RGB codes.
func RGBAToRGBMat(img *image.RGBA, memTracker safe.MemoryTracker) (*safe.Mat, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}

	bounds := img.Bounds()
	if err := safe.ValidateDimensions(bounds.Dx(), bounds.Dy(), "RGBA to RGB"); err != nil {
		return nil, err
	}

	return safe.NewFromBytes(bounds.Dy(), bounds.Dx(), gocv.MatTypeCV8UC3, RGBBytes(img), memTracker, "rgb")
}

// RGBBytes packs img as interleaved R, G, B bytes, row by row.
func RGBBytes(img *image.RGBA) []byte {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	out := make([]byte, 0, width*height*3)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			out = append(out, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return out
}

// Opaque returns a copy of img with every alpha value set to 255, keeping
// R, G and B. Transparent pixels become black.
func Opaque(img *image.RGBA) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := 0; y < bounds.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+bounds.Dx()*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+bounds.Dx()*4]
		copy(dst, src)
		for x := 3; x < len(dst); x += 4 {
			dst[x] = 255
		}
	}
	return out
}
