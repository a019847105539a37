package conversion

import (
	"fmt"

	"slidepatch/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// ConvertRGBToHSV converts an RGB-ordered Mat to 8-bit HSV (H in [0,180),
// S and V in [0,255]).
func ConvertRGBToHSV(src *safe.Mat, memTracker safe.MemoryTracker) (*safe.Mat, error) {
	if err := safe.ValidateChannels(src, 3, "RGB to HSV conversion"); err != nil {
		return nil, err
	}

	dst, err := safe.Derive(src.Rows(), src.Cols(), 3, memTracker, "hsv")
	if err != nil {
		return nil, err
	}

	gocv.CvtColor(src.GetMat(), dst.Ptr(), gocv.ColorRGBToHSV)

	if err := safe.ValidateChannels(dst, 3, "RGB to HSV conversion"); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

// SplitChannels returns one single-channel Mat per channel of src. The
// caller closes every returned Mat.
func SplitChannels(src *safe.Mat, memTracker safe.MemoryTracker) ([]*safe.Mat, error) {
	if err := safe.ValidateMatForOperation(src, "channel split"); err != nil {
		return nil, err
	}

	planes := gocv.Split(src.GetMat())
	out := make([]*safe.Mat, 0, len(planes))
	for i, p := range planes {
		m, err := safe.Derive(p.Rows(), p.Cols(), 1, memTracker, fmt.Sprintf("channel_%d", i))
		if err != nil {
			for _, o := range out {
				o.Close()
			}
			for _, rest := range planes[i:] {
				rest.Close()
			}
			return nil, err
		}
		p.CopyTo(m.Ptr())
		p.Close()
		out = append(out, m)
	}

	return out, nil
}
