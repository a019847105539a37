package patch

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"slidepatch/internal/logger"
	"slidepatch/internal/slide"
)

var threeLevels = []slide.Level{
	{Width: 400, Height: 300, Downsample: 1},
	{Width: 200, Height: 150, Downsample: 2},
	{Width: 100, Height: 75, Downsample: 4},
}

// recordingSlide returns solid patches and remembers every origin it was
// asked for. Origins listed in fail return an error.
type recordingSlide struct {
	levels  []slide.Level
	origins []image.Point
	fail    map[image.Point]bool
	closed  bool
}

func (r *recordingSlide) LevelCount() int { return len(r.levels) }

func (r *recordingSlide) Level(l int) (slide.Level, error) {
	if err := slide.ValidateLevel(r.levels, l, "level"); err != nil {
		return slide.Level{}, err
	}
	return r.levels[l], nil
}

func (r *recordingSlide) ReadRegion(origin image.Point, level int, size image.Point) (*image.RGBA, error) {
	if r.closed {
		return nil, slide.ErrClosed
	}
	r.origins = append(r.origins, origin)
	if r.fail[origin] {
		return nil, errors.New("decode error")
	}
	img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img, nil
}

func (r *recordingSlide) Close() error {
	r.closed = true
	return nil
}

func TestAnchor(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		coord image.Point
		want  image.Point
	}{
		{"mask level 2 to level 0", Config{Size: 256, MaskLevel: 2, PatchLevel: 0}, image.Pt(10, 10), image.Pt(40-128, 40-128)},
		{"same level", Config{Size: 10, MaskLevel: 1, PatchLevel: 1}, image.Pt(50, 20), image.Pt(45, 15)},
		{"mask level 2 to level 1", Config{Size: 4, MaskLevel: 2, PatchLevel: 1}, image.Pt(7, 3), image.Pt(12, 4)},
		{"odd size truncates after subtraction", Config{Size: 5, MaskLevel: 0, PatchLevel: 0}, image.Pt(3, 0), image.Pt(0, -2)},
		{"no clamping", Config{Size: 64, MaskLevel: 0, PatchLevel: 0}, image.Pt(399, 0), image.Pt(367, -32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewExtractor(tt.cfg, threeLevels, logger.Nop())
			if err != nil {
				t.Fatal(err)
			}
			if got := e.Anchor(tt.coord); got != tt.want {
				t.Errorf("Anchor(%v) = %v, want %v", tt.coord, got, tt.want)
			}
		})
	}
}

func TestFactor(t *testing.T) {
	e, err := NewExtractor(Config{Size: 8, MaskLevel: 2, PatchLevel: 1}, threeLevels, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Factor() != 2 {
		t.Errorf("Factor = %v, want 2", e.Factor())
	}
}

func TestNewExtractorValidation(t *testing.T) {
	tests := map[string]Config{
		"zero size":        {Size: 0},
		"mask level high":  {Size: 8, MaskLevel: 3},
		"patch level high": {Size: 8, PatchLevel: 5},
		"negative level":   {Size: 8, PatchLevel: -1},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewExtractor(cfg, threeLevels, nil); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}

	if _, err := NewExtractor(Config{Size: 8, MaskLevel: 3}, threeLevels, nil); !errors.Is(err, slide.ErrLevelOutOfRange) {
		t.Errorf("error = %v, want ErrLevelOutOfRange", err)
	}
}

func TestPatchForOriginIsLevelZero(t *testing.T) {
	s := &recordingSlide{levels: threeLevels}
	e, err := NewExtractor(Config{Size: 4, MaskLevel: 2, PatchLevel: 1}, threeLevels, nil)
	if err != nil {
		t.Fatal(err)
	}

	p, err := e.PatchFor(s, image.Pt(7, 3))
	if err != nil {
		t.Fatal(err)
	}
	if p.Bounds().Dx() != 4 || p.Bounds().Dy() != 4 {
		t.Errorf("patch is %v", p.Bounds())
	}
	// anchor (12, 4) at level 1 is (24, 8) at level 0
	if len(s.origins) != 1 || s.origins[0] != image.Pt(24, 8) {
		t.Errorf("origins = %v, want [(24,8)]", s.origins)
	}
}

func gradientSlide(t *testing.T, w, h int) *slide.Pyramid {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	p, err := slide.FromImage(img, 3)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPatchForPixels(t *testing.T) {
	s := gradientSlide(t, 64, 64)
	levels, err := slide.Levels(s)
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewExtractor(Config{Size: 4, MaskLevel: 1, PatchLevel: 0}, levels, nil)
	if err != nil {
		t.Fatal(err)
	}

	p, err := e.PatchFor(s, image.Pt(10, 10))
	if err != nil {
		t.Fatal(err)
	}
	// (10,10) at level 1 is (20,20) at level 0; anchor (18,18)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := color.RGBA{R: uint8(18 + x), G: uint8(18 + y), B: 7, A: 255}
			if got := p.RGBAAt(x, y); got != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestPatchForOddSizedSlide(t *testing.T) {
	s := gradientSlide(t, 1001, 1001)
	levels, err := slide.Levels(s)
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewExtractor(Config{Size: 4, MaskLevel: 1, PatchLevel: 1}, levels, nil)
	if err != nil {
		t.Fatal(err)
	}

	whole, err := s.ReadRegion(image.Point{}, 1, image.Pt(levels[1].Width, levels[1].Height))
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []image.Point{{100, 100}, {37, 411}, {250, 3}, {497, 497}} {
		p, err := e.PatchFor(s, c)
		if err != nil {
			t.Fatal(err)
		}
		anchor := e.Anchor(c)
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				want := whole.RGBAAt(anchor.X+x, anchor.Y+y)
				if got := p.RGBAAt(x, y); got != want {
					t.Fatalf("coord %v pixel (%d,%d) = %v, want level-1 pixel %v = %v",
						c, x, y, got, anchor.Add(image.Pt(x, y)), want)
				}
			}
		}
	}
}

func TestPatchForOutOfBounds(t *testing.T) {
	s := gradientSlide(t, 32, 32)
	levels, err := slide.Levels(s)
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewExtractor(Config{Size: 8, MaskLevel: 0, PatchLevel: 0}, levels, nil)
	if err != nil {
		t.Fatal(err)
	}

	p, err := e.PatchFor(s, image.Pt(0, 0))
	if err != nil {
		t.Fatalf("out-of-bounds patch is not an error: %v", err)
	}
	if got := p.RGBAAt(0, 0); got != (color.RGBA{A: 255}) {
		t.Errorf("outside pixel = %v, want opaque black", got)
	}
	if got := p.RGBAAt(4, 4); got != (color.RGBA{R: 0, G: 0, B: 7, A: 255}) {
		t.Errorf("pixel at slide origin = %v", got)
	}

	far, err := e.PatchFor(s, image.Pt(-5000, 9000))
	if err != nil {
		t.Fatalf("far patch: %v", err)
	}
	for i := 3; i < len(far.Pix); i += 4 {
		if far.Pix[i] != 255 || far.Pix[i-1] != 0 {
			t.Fatal("far patch should be opaque black")
		}
	}
}

func TestExtractIsolatesFailures(t *testing.T) {
	s := &recordingSlide{
		levels: threeLevels,
		fail:   map[image.Point]bool{{X: 6, Y: 6}: true},
	}
	e, err := NewExtractor(Config{Size: 4, MaskLevel: 0, PatchLevel: 0}, threeLevels, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	coords := []image.Point{{2, 2}, {8, 8}, {30, 40}}
	results, err := e.Extract(s, coords)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Index != i || r.Coord != coords[i] {
			t.Errorf("result %d = index %d coord %v", i, r.Index, r.Coord)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("siblings failed: %v, %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil || results[1].Patch != nil {
		t.Error("failing coordinate not reported")
	}
}

func TestExtractClosedSlide(t *testing.T) {
	s := gradientSlide(t, 32, 32)
	levels, err := slide.Levels(s)
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewExtractor(Config{Size: 4, MaskLevel: 0, PatchLevel: 0}, levels, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	results, err := e.Extract(s, []image.Point{{1, 1}, {2, 2}})
	if !errors.Is(err, slide.ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	if len(results) != 0 {
		t.Errorf("closed slide produced %d results", len(results))
	}
}
