package mask

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"slidepatch/internal/annotation"
	"slidepatch/internal/logger"
	"slidepatch/internal/opencv/memory"
	"slidepatch/internal/slide"
)

var (
	background = color.RGBA{R: 240, G: 240, B: 240, A: 255}
	tissueRGB  = color.RGBA{R: 150, G: 60, B: 110, A: 255}
)

// syntheticSlide paints rects in tissue colour on a near-white canvas.
func syntheticSlide(t *testing.T, w, h, maxLevels int, rects ...image.Rectangle) *slide.Pyramid {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r, &image.Uniform{C: tissueRGB}, image.Point{}, draw.Src)
	}

	p, err := slide.FromImage(img, maxLevels)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func newBuilder(t *testing.T, s slide.Slide, cfg Config) *Builder {
	t.Helper()

	levels, err := slide.Levels(s)
	if err != nil {
		t.Fatalf("Levels: %v", err)
	}
	b, err := NewBuilder(cfg, levels, nil, logger.Nop())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b
}

func square(x0, y0, x1, y1 float64) annotation.Polygon {
	return annotation.Polygon{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

func TestTissueMaskBlankSlide(t *testing.T) {
	s := syntheticSlide(t, 32, 20, 1)
	b := newBuilder(t, s, Config{RGBMin: 50})

	m, th, err := b.TissueMask(s)
	if err != nil {
		t.Fatalf("TissueMask: %v", err)
	}
	if m.Width() != 32 || m.Height() != 20 {
		t.Errorf("mask is %dx%d, want 32x20", m.Width(), m.Height())
	}
	if n := m.Count(); n != 0 {
		t.Errorf("blank slide produced %d tissue pixels", n)
	}
	if th.S != 0 {
		t.Errorf("saturation threshold of a grey slide = %v, want 0", th.S)
	}
}

func TestTissueMaskRectangle(t *testing.T) {
	rect := image.Rect(5, 3, 15, 9)
	s := syntheticSlide(t, 40, 24, 1, rect)
	b := newBuilder(t, s, Config{RGBMin: 50})

	m, _, err := b.TissueMask(s)
	if err != nil {
		t.Fatalf("TissueMask: %v", err)
	}

	for x := 0; x < 40; x++ {
		for y := 0; y < 24; y++ {
			want := image.Pt(x, y).In(rect)
			if m.At(x, y) != want {
				t.Fatalf("tissue(%d,%d) = %v, want %v", x, y, m.At(x, y), want)
			}
		}
	}
}

func TestTissueMaskRGBMinFloor(t *testing.T) {
	// G=60 sits below a floor of 100, so nothing qualifies
	s := syntheticSlide(t, 30, 30, 1, image.Rect(5, 5, 20, 20))
	b := newBuilder(t, s, Config{RGBMin: 100})

	m, _, err := b.TissueMask(s)
	if err != nil {
		t.Fatalf("TissueMask: %v", err)
	}
	if n := m.Count(); n != 0 {
		t.Errorf("floor ignored: %d tissue pixels", n)
	}
}

func TestTumorMaskSquare(t *testing.T) {
	s := syntheticSlide(t, 30, 30, 1)
	b := newBuilder(t, s, Config{})

	m, err := b.TumorMask([]annotation.Polygon{square(0, 0, 10, 10)})
	if err != nil {
		t.Fatalf("TumorMask: %v", err)
	}

	for x := 0; x < 30; x++ {
		for y := 0; y < 30; y++ {
			inside := x < 10 && y < 10
			outside := x > 11 || y > 11
			switch {
			case inside && !m.At(x, y):
				t.Fatalf("(%d,%d) inside the polygon is not set", x, y)
			case outside && m.At(x, y):
				t.Fatalf("(%d,%d) beyond the polygon is set", x, y)
			}
		}
	}
}

func TestTumorMaskDownsampled(t *testing.T) {
	s := syntheticSlide(t, 64, 64, 2)
	b := newBuilder(t, s, Config{Level: 1})

	m, err := b.TumorMask([]annotation.Polygon{square(20, 0, 40, 20)})
	if err != nil {
		t.Fatalf("TumorMask: %v", err)
	}
	if m.Width() != 32 || m.Height() != 32 {
		t.Fatalf("mask is %dx%d, want 32x32", m.Width(), m.Height())
	}
	// level-0 x in [20, 40] lands on level-1 x in [10, 20]
	if !m.At(15, 5) {
		t.Error("interior point of the scaled polygon not set")
	}
	if m.At(5, 5) || m.At(25, 5) || m.At(15, 15) {
		t.Error("scaled polygon leaked outside its bounds")
	}
}

func TestTumorMaskEmpty(t *testing.T) {
	s := syntheticSlide(t, 16, 12, 1)
	b := newBuilder(t, s, Config{})

	m, err := b.TumorMask(nil)
	if err != nil {
		t.Fatalf("TumorMask: %v", err)
	}
	if m.Count() != 0 || m.Width() != 16 || m.Height() != 12 {
		t.Errorf("empty polygon list gave %dx%d with %d set", m.Width(), m.Height(), m.Count())
	}

	degenerate := []annotation.Polygon{
		{{X: 1, Y: 1}, {X: 5, Y: 5}},
		{{X: 1, Y: 1}, {X: 3, Y: 3}, {X: 6, Y: 6}},
	}
	m, err = b.TumorMask(degenerate)
	if err != nil {
		t.Fatalf("TumorMask degenerate: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("degenerate polygons filled %d pixels", m.Count())
	}
}

// Tissue comes from an image and tumor from polygons; on a non-square slide
// both must index the same pixel by (x, y).
func TestTissueTumorAxesAgree(t *testing.T) {
	rect := image.Rect(5, 3, 15, 9)
	s := syntheticSlide(t, 40, 24, 1, rect)
	b := newBuilder(t, s, Config{RGBMin: 50, HasTumorAnnotations: true})

	tissue, _, err := b.TissueMask(s)
	if err != nil {
		t.Fatalf("TissueMask: %v", err)
	}
	tumor, err := b.TumorMask([]annotation.Polygon{square(5, 3, 15, 9)})
	if err != nil {
		t.Fatalf("TumorMask: %v", err)
	}

	for _, p := range tissue.Points() {
		if !tumor.At(p.X, p.Y) {
			t.Fatalf("tissue pixel %v not covered by the matching polygon", p)
		}
	}

	normal, err := b.NormalMask(s, []annotation.Polygon{square(5, 3, 15, 9)})
	if err != nil {
		t.Fatalf("NormalMask: %v", err)
	}
	if normal.Count() != 0 {
		t.Errorf("normal mask keeps %d pixels under the tumor", normal.Count())
	}
}

func TestNormalMask(t *testing.T) {
	rect := image.Rect(4, 4, 24, 14)
	s := syntheticSlide(t, 32, 18, 1, rect)
	polys := []annotation.Polygon{square(4, 4, 12, 14)}

	t.Run("with annotations", func(t *testing.T) {
		b := newBuilder(t, s, Config{RGBMin: 50, HasTumorAnnotations: true})

		tissue, _, err := b.TissueMask(s)
		if err != nil {
			t.Fatal(err)
		}
		tumor, err := b.TumorMask(polys)
		if err != nil {
			t.Fatal(err)
		}
		normal, err := b.NormalMask(s, polys)
		if err != nil {
			t.Fatal(err)
		}

		want, err := tissue.AndNot(tumor)
		if err != nil {
			t.Fatal(err)
		}
		if !normal.Equal(want) {
			t.Error("normal != tissue AND NOT tumor")
		}
		if normal.Count() == 0 || normal.Count() >= tissue.Count() {
			t.Errorf("normal has %d of %d tissue pixels", normal.Count(), tissue.Count())
		}
		if normal.At(6, 8) || !normal.At(20, 8) {
			t.Error("normal mask does not exclude exactly the tumor region")
		}
	})

	t.Run("without annotations", func(t *testing.T) {
		b := newBuilder(t, s, Config{RGBMin: 50})

		tissue, _, err := b.TissueMask(s)
		if err != nil {
			t.Fatal(err)
		}
		normal, err := b.NormalMask(s, polys)
		if err != nil {
			t.Fatal(err)
		}
		if !normal.Equal(tissue) {
			t.Error("normal differs from tissue for a slide without tumor annotations")
		}
	})
}

func TestNewBuilderValidation(t *testing.T) {
	levels := []slide.Level{{Width: 100, Height: 80, Downsample: 1}, {Width: 50, Height: 40, Downsample: 2}}

	if _, err := NewBuilder(Config{Level: 2}, levels, nil, nil); !errors.Is(err, slide.ErrLevelOutOfRange) {
		t.Errorf("level 2 of 2: error = %v, want ErrLevelOutOfRange", err)
	}
	if _, err := NewBuilder(Config{Level: -1}, levels, nil, nil); !errors.Is(err, slide.ErrLevelOutOfRange) {
		t.Errorf("level -1: error = %v, want ErrLevelOutOfRange", err)
	}
	if _, err := NewBuilder(Config{RGBMin: 300}, levels, nil, nil); err == nil {
		t.Error("rgb_min 300 accepted")
	}

	b, err := NewBuilder(Config{Level: 1}, levels, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Level() != levels[1] {
		t.Errorf("Level() = %+v", b.Level())
	}
}

func TestBuilderRejectsOtherSlide(t *testing.T) {
	s := syntheticSlide(t, 32, 32, 1)
	other := syntheticSlide(t, 16, 16, 1)
	b := newBuilder(t, s, Config{})

	if _, _, err := b.TissueMask(other); err == nil {
		t.Error("builder accepted a slide with different level dimensions")
	}
}

func TestTissueMaskBudget(t *testing.T) {
	s := syntheticSlide(t, 40, 24, 1)
	levels, err := slide.Levels(s)
	if err != nil {
		t.Fatal(err)
	}

	budget := memory.NewBudget(100)
	b, err := NewBuilder(Config{}, levels, budget, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := b.TissueMask(s); !errors.Is(err, memory.ErrBudgetExceeded) {
		t.Errorf("error = %v, want ErrBudgetExceeded", err)
	}
	if st := budget.Stats(); st.InUse != 0 {
		t.Errorf("%d bytes still reserved after failure", st.InUse)
	}
}

func TestTissueMaskClosedSlide(t *testing.T) {
	s := syntheticSlide(t, 16, 16, 1)
	b := newBuilder(t, s, Config{})
	s.Close()

	if _, _, err := b.TissueMask(s); !errors.Is(err, slide.ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
}

func TestRasterVertices(t *testing.T) {
	tests := []struct {
		name string
		poly annotation.Polygon
		ds   float64
		want []image.Point
	}{
		{
			name: "identity",
			poly: square(0, 0, 10, 10),
			ds:   1,
			want: []image.Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}},
		},
		{
			name: "half to even then truncate",
			poly: annotation.Polygon{{X: 2.5, Y: 3.5}, {X: 9.4, Y: 3.5}, {X: 9.4, Y: 11.6}},
			ds:   2,
			want: []image.Point{{1, 2}, {4, 2}, {4, 6}},
		},
		{
			name: "closing vertex dropped",
			poly: append(square(0, 0, 8, 8), annotation.Vertex{X: 0, Y: 0}),
			ds:   4,
			want: []image.Point{{0, 0}, {2, 0}, {2, 2}, {0, 2}},
		},
		{
			name: "collapses to a point",
			poly: square(0, 0, 3, 3),
			ds:   4,
			want: nil,
		},
		{
			name: "collinear",
			poly: annotation.Polygon{{X: 0, Y: 0}, {X: 4, Y: 4}, {X: 8, Y: 8}},
			ds:   1,
			want: nil,
		},
		{
			name: "two vertices",
			poly: annotation.Polygon{{X: 0, Y: 0}, {X: 4, Y: 4}},
			ds:   1,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rasterVertices(tt.poly, tt.ds)
			if len(got) != len(tt.want) {
				t.Fatalf("rasterVertices = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("vertex %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestClassifyTissue(t *testing.T) {
	th := Thresholds{R: 200, G: 200, B: 200, S: 20}
	rgb := []byte{
		240, 240, 240, // background
		150, 60, 110, // tissue
		150, 30, 110, // under the floor
		150, 150, 150, // unsaturated
	}
	hsv := []byte{
		0, 0, 240,
		0, 153, 150,
		0, 204, 150,
		0, 0, 150,
	}

	got := classifyTissue(rgb, hsv, th, 50)
	want := []byte{0, 255, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pixel %d = %d, want %d", i, got[i], want[i])
		}
	}
}
