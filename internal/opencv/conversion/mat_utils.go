package conversion

import (
	"slidepatch/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// Transpose swaps rows and columns of src.
func Transpose(src *safe.Mat, memTracker safe.MemoryTracker, tag string) (*safe.Mat, error) {
	if err := safe.ValidateMatForOperation(src, "transpose"); err != nil {
		return nil, err
	}

	dst, err := safe.Derive(src.Cols(), src.Rows(), src.Channels(), memTracker, tag)
	if err != nil {
		return nil, err
	}

	gocv.Transpose(src.GetMat(), dst.Ptr())
	return dst, nil
}
