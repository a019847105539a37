package slide

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"sync/atomic"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Pyramid is an in-memory Slide built from a single raster image. Level 0 is
// the decoded image and every further level halves both dimensions, the way
// scanner pyramids are usually laid out. It stands in for a native
// whole-slide decoder when slides are exported as flat TIFF/PNG files and
// for synthetic slides in tests.
type Pyramid struct {
	levels []*image.RGBA
	meta   []Level
	closed atomic.Bool
}

var _ Slide = (*Pyramid)(nil)

// Open decodes path and builds at most maxLevels levels. Decoding failures
// are returned as *OpenError.
func Open(path string, maxLevels int) (*Pyramid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	p, err := FromImage(img, maxLevels)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	return p, nil
}

// NewOpener returns an Opener that builds pyramids of at most maxLevels levels.
func NewOpener(maxLevels int) Opener {
	return func(path string) (Slide, error) {
		return Open(path, maxLevels)
	}
}

// FromImage builds a pyramid from img. Levels stop once either dimension
// would drop below one pixel.
func FromImage(img image.Image, maxLevels int) (*Pyramid, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	if maxLevels < 1 {
		return nil, fmt.Errorf("pyramid needs at least one level, got %d", maxLevels)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image %v", b)
	}

	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(base, image.Point{}, img, b, draw.Src, nil)

	p := &Pyramid{
		levels: []*image.RGBA{base},
		meta:   []Level{{Width: b.Dx(), Height: b.Dy(), Downsample: 1}},
	}

	w0, h0 := float64(b.Dx()), float64(b.Dy())
	prev := base
	for len(p.levels) < maxLevels {
		w, h := prev.Bounds().Dx()/2, prev.Bounds().Dy()/2
		if w < 1 || h < 1 {
			break
		}

		next := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)

		p.levels = append(p.levels, next)
		p.meta = append(p.meta, Level{
			Width:      w,
			Height:     h,
			Downsample: (w0/float64(w) + h0/float64(h)) / 2,
		})
		prev = next
	}

	return p, nil
}

func (p *Pyramid) LevelCount() int {
	return len(p.meta)
}

func (p *Pyramid) Level(l int) (Level, error) {
	if err := ValidateLevel(p.meta, l, "level"); err != nil {
		return Level{}, err
	}
	return p.meta[l], nil
}

func (p *Pyramid) ReadRegion(origin image.Point, level int, size image.Point) (*image.RGBA, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidateLevel(p.meta, level, "level"); err != nil {
		return nil, err
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid region size %dx%d", size.X, size.Y)
	}

	// Odd parents give fractional downsamples; rounding inverts
	// round(anchor*ds) exactly for any ds >= 1.
	ds := p.meta[level].Downsample
	at := image.Pt(
		int(math.Round(float64(origin.X)/ds)),
		int(math.Round(float64(origin.Y)/ds)),
	)

	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	src := p.levels[level]

	sr := image.Rectangle{Min: at, Max: at.Add(size)}.Intersect(src.Bounds())
	if !sr.Empty() {
		draw.Copy(dst, sr.Min.Sub(at), src, sr, draw.Src, nil)
	}

	return dst, nil
}

func (p *Pyramid) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.levels = nil
	return nil
}
