package pipeline

import (
	"fmt"
	"image"
	"os"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"slidepatch/internal/mask"
	"slidepatch/internal/slide"
)

// Manifest records how a slide's patches were produced so a run can be
// audited or the coordinates re-extracted at another level.
type Manifest struct {
	Slide      string           `yaml:"slide"`
	SlideID    string           `yaml:"slideId"`
	Levels     []LevelInfo      `yaml:"levels"`
	MaskLevel  int              `yaml:"maskLevel"`
	PatchLevel int              `yaml:"patchLevel"`
	PatchSize  int              `yaml:"patchSize"`
	Kind       mask.Kind        `yaml:"kind"`
	Thresholds *mask.Thresholds `yaml:"thresholds,omitempty"`
	TrueCount  int              `yaml:"trueCount"`
	Coords     []Coord          `yaml:"coords,flow"`
	Spread     Spread           `yaml:"spread"`
	Patches    int              `yaml:"patches"`
	Failed     int              `yaml:"failed"`
}

type LevelInfo struct {
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Downsample float64 `yaml:"downsample"`
}

type Coord struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// Spread summarises where the sampled coordinates fall on the mask.
type Spread struct {
	MeanX float64 `yaml:"meanX"`
	StdX  float64 `yaml:"stdX"`
	MeanY float64 `yaml:"meanY"`
	StdY  float64 `yaml:"stdY"`
}

func levelInfos(levels []slide.Level) []LevelInfo {
	out := make([]LevelInfo, len(levels))
	for i, l := range levels {
		out[i] = LevelInfo{Width: l.Width, Height: l.Height, Downsample: l.Downsample}
	}
	return out
}

func coordsOf(pts []image.Point) []Coord {
	out := make([]Coord, len(pts))
	for i, p := range pts {
		out[i] = Coord{X: p.X, Y: p.Y}
	}
	return out
}

// CoordSpread returns the mean and sample standard deviation of the x and y
// components. Fewer than two points have zero deviation.
func CoordSpread(pts []image.Point) Spread {
	if len(pts) == 0 {
		return Spread{}
	}

	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = float64(p.X)
		ys[i] = float64(p.Y)
	}

	if len(pts) == 1 {
		return Spread{MeanX: xs[0], MeanY: ys[0]}
	}

	var s Spread
	s.MeanX, s.StdX = stat.MeanStdDev(xs, nil)
	s.MeanY, s.StdY = stat.MeanStdDev(ys, nil)
	return s
}

// Points converts the recorded coordinates back to mask points.
func (m *Manifest) Points() []image.Point {
	out := make([]image.Point, len(m.Coords))
	for i, c := range m.Coords {
		out[i] = image.Pt(c.X, c.Y)
	}
	return out
}

func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest %s: %w", path, err)
	}
	return &m, nil
}
