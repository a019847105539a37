// Package mask derives boolean tissue, tumor and normal-tissue masks from a
// slide pyramid level.
package mask

import (
	"errors"
	"fmt"
	"image"
)

// ErrShapeMismatch is returned when two masks of different shapes are combined.
var ErrShapeMismatch = errors.New("mask shape mismatch")

// Mask is a boolean grid with the dimensions of the pyramid level it was
// computed at, indexed by (x, y). Cells are stored x-major: the scan order of
// Points and of the .npy encoding is x outer, y inner.
type Mask struct {
	width  int
	height int
	bits   []bool
}

// New returns an all-false mask.
func New(width, height int) *Mask {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("mask: negative size %dx%d", width, height))
	}
	return &Mask{
		width:  width,
		height: height,
		bits:   make([]bool, width*height),
	}
}

func (m *Mask) Width() int  { return m.width }
func (m *Mask) Height() int { return m.height }

// Size returns (width, height).
func (m *Mask) Size() image.Point { return image.Pt(m.width, m.height) }

func (m *Mask) index(x, y int) int { return x*m.height + y }

// At reports the value at (x, y); positions outside the mask are false.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return false
	}
	return m.bits[m.index(x, y)]
}

func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		panic(fmt.Sprintf("mask: Set(%d, %d) outside %dx%d", x, y, m.width, m.height))
	}
	m.bits[m.index(x, y)] = v
}

// Count returns the number of true cells.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.bits {
		if b {
			n++
		}
	}
	return n
}

// Points returns every true position in scan order.
func (m *Mask) Points() []image.Point {
	pts := make([]image.Point, 0, m.Count())
	for i, b := range m.bits {
		if b {
			pts = append(pts, image.Pt(i/m.height, i%m.height))
		}
	}
	return pts
}

func (m *Mask) Clone() *Mask {
	c := New(m.width, m.height)
	copy(c.bits, m.bits)
	return c
}

func (m *Mask) Equal(o *Mask) bool {
	if m.width != o.width || m.height != o.height {
		return false
	}
	for i := range m.bits {
		if m.bits[i] != o.bits[i] {
			return false
		}
	}
	return true
}

// And returns m AND o.
func (m *Mask) And(o *Mask) (*Mask, error) {
	return m.combine(o, func(a, b bool) bool { return a && b })
}

// AndNot returns m AND NOT o.
func (m *Mask) AndNot(o *Mask) (*Mask, error) {
	return m.combine(o, func(a, b bool) bool { return a && !b })
}

func (m *Mask) combine(o *Mask, op func(a, b bool) bool) (*Mask, error) {
	if m.width != o.width || m.height != o.height {
		return nil, fmt.Errorf("%dx%d vs %dx%d: %w", m.width, m.height, o.width, o.height, ErrShapeMismatch)
	}
	out := New(m.width, m.height)
	for i := range m.bits {
		out.bits[i] = op(m.bits[i], o.bits[i])
	}
	return out, nil
}

// Kind names the mask a pipeline samples from.
type Kind string

const (
	KindTissue Kind = "tissue"
	KindTumor  Kind = "tumor"
	KindNormal Kind = "normal"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTissue, KindTumor, KindNormal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown mask kind %q (want tissue, tumor or normal)", s)
	}
}
