package mask

import (
	"fmt"

	"slidepatch/internal/opencv/conversion"
	"slidepatch/internal/opencv/memory"
	"slidepatch/internal/opencv/safe"

	"gocv.io/x/gocv"
)

const (
	matTypeGray = gocv.MatTypeCV8UC1

	// filled pixels are 255; anything above the midpoint counts as set
	binarizeAt = 127
)

// Thresholds are the Otsu thresholds picked for one tissue mask.
type Thresholds struct {
	R, G, B, S float64
}

func (t Thresholds) String() string {
	return fmt.Sprintf("R=%.0f G=%.0f B=%.0f S=%.0f", t.R, t.G, t.B, t.S)
}

func channelThresholds(rgb, hsv *safe.Mat, budget *memory.Budget) (Thresholds, error) {
	rgbPlanes, err := conversion.SplitChannels(rgb, budget)
	if err != nil {
		return Thresholds{}, err
	}
	defer closeAll(rgbPlanes)

	hsvPlanes, err := conversion.SplitChannels(hsv, budget)
	if err != nil {
		return Thresholds{}, err
	}
	defer closeAll(hsvPlanes)

	var th Thresholds
	targets := []struct {
		plane *safe.Mat
		dst   *float64
	}{
		{rgbPlanes[0], &th.R},
		{rgbPlanes[1], &th.G},
		{rgbPlanes[2], &th.B},
		{hsvPlanes[1], &th.S},
	}
	for _, tgt := range targets {
		v, err := otsu(tgt.plane, budget)
		if err != nil {
			return Thresholds{}, err
		}
		*tgt.dst = v
	}

	return th, nil
}

// otsu returns the threshold minimising intra-class variance of an 8-bit
// single-channel Mat. A constant plane yields 0.
func otsu(plane *safe.Mat, budget *memory.Budget) (float64, error) {
	if err := safe.ValidateChannels(plane, 1, "otsu threshold"); err != nil {
		return 0, err
	}

	binary, err := safe.Derive(plane.Rows(), plane.Cols(), 1, budget, "otsu_binary")
	if err != nil {
		return 0, err
	}
	defer binary.Close()

	t := gocv.Threshold(plane.GetMat(), binary.Ptr(), 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	return float64(t), nil
}

// classifyTissue evaluates the tissue rule per pixel over interleaved RGB and
// HSV bytes and returns 255 for tissue and 0 for background, in the same
// row-major layout.
func classifyTissue(rgb, hsv []byte, th Thresholds, rgbMin uint8) []byte {
	out := make([]byte, len(rgb)/3)
	for i := range out {
		r := float64(rgb[i*3])
		g := float64(rgb[i*3+1])
		b := float64(rgb[i*3+2])
		s := float64(hsv[i*3+1])

		background := r > th.R && g > th.G && b > th.B
		saturated := s > th.S
		aboveFloor := rgb[i*3] > rgbMin && rgb[i*3+1] > rgbMin && rgb[i*3+2] > rgbMin

		if !background && saturated && aboveFloor {
			out[i] = 255
		}
	}
	return out
}

func closeAll(mats []*safe.Mat) {
	for _, m := range mats {
		m.Close()
	}
}
