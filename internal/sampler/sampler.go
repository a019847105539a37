package sampler

import (
	"errors"
	"image"
	"math/rand/v2"

	"slidepatch/internal/mask"
)

var ErrNegativeCount = errors.New("negative sample count")

// NewRand returns a generator seeded for reproducible sampling.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RandomSampled draws coordinates from the true cells of m.
//
// When m has at most number true cells all of them are returned in scan
// order. Otherwise exactly number coordinates are drawn uniformly with
// replacement, so the result may hold duplicates. m is not modified.
func RandomSampled(m *mask.Mask, number int, rng *rand.Rand) ([]image.Point, error) {
	if number < 0 {
		return nil, ErrNegativeCount
	}

	points := m.Points()
	if len(points) <= number {
		return points, nil
	}

	out := make([]image.Point, number)
	for i := range out {
		out[i] = points[rng.IntN(len(points))]
	}
	return out, nil
}
