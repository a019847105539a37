// Package patch cuts fixed-size patches around sampled mask coordinates and
// writes them to disk.
package patch

import (
	"errors"
	"fmt"
	"image"
	"math"

	"slidepatch/internal/logger"
	"slidepatch/internal/opencv/conversion"
	"slidepatch/internal/slide"
)

type Config struct {
	Size       int
	MaskLevel  int
	PatchLevel int
}

// Extractor maps coordinates from the mask level to the patch level and reads
// the surrounding square. It does not hold a slide; callers pass the handle
// they own.
type Extractor struct {
	cfg     Config
	factor  float64
	patchDS float64
	log     logger.Logger
}

// Result is the outcome for one coordinate. Patch is nil when Err is set.
type Result struct {
	Index  int
	Coord  image.Point
	Anchor image.Point
	Patch  *image.RGBA
	Err    error
}

func NewExtractor(cfg Config, levels []slide.Level, log logger.Logger) (*Extractor, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("patch size must be positive, got %d", cfg.Size)
	}
	if err := slide.ValidateLevel(levels, cfg.MaskLevel, "mask level"); err != nil {
		return nil, err
	}
	if err := slide.ValidateLevel(levels, cfg.PatchLevel, "patch level"); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	maskDS := levels[cfg.MaskLevel].Downsample
	patchDS := levels[cfg.PatchLevel].Downsample

	return &Extractor{
		cfg:     cfg,
		factor:  maskDS / patchDS,
		patchDS: patchDS,
		log:     log,
	}, nil
}

func (e *Extractor) Config() Config { return e.cfg }

// Factor is the mask-level to patch-level scale, d_mask / d_patch.
func (e *Extractor) Factor() float64 { return e.factor }

// Anchor returns the top-left corner, in patch-level pixels, of the patch
// centred on c. The half size is subtracted before truncating, so odd sizes
// truncate toward zero.
func (e *Extractor) Anchor(c image.Point) image.Point {
	half := float64(e.cfg.Size) / 2
	return image.Pt(
		int(math.Round(float64(c.X)*e.factor)-half),
		int(math.Round(float64(c.Y)*e.factor)-half),
	)
}

// PatchFor reads the patch centred on c. The anchor is not clamped: parts
// outside the slide come back transparent from the reader and are returned
// as black.
func (e *Extractor) PatchFor(s slide.Slide, c image.Point) (*image.RGBA, error) {
	anchor := e.Anchor(c)

	// ReadRegion takes its origin in level-0 pixels
	origin := image.Pt(
		int(math.Round(float64(anchor.X)*e.patchDS)),
		int(math.Round(float64(anchor.Y)*e.patchDS)),
	)

	region, err := s.ReadRegion(origin, e.cfg.PatchLevel, image.Pt(e.cfg.Size, e.cfg.Size))
	if err != nil {
		return nil, fmt.Errorf("patch at %v (anchor %v): %w", c, anchor, err)
	}
	return conversion.Opaque(region), nil
}

// Extract reads one patch per coordinate. A failing coordinate is recorded in
// its Result and the rest continue; a closed handle aborts the run and
// returns the results gathered so far.
func (e *Extractor) Extract(s slide.Slide, coords []image.Point) ([]Result, error) {
	results := make([]Result, 0, len(coords))
	failed := 0

	for i, c := range coords {
		p, err := e.PatchFor(s, c)
		if errors.Is(err, slide.ErrClosed) {
			return results, fmt.Errorf("extract coordinate %d: %w", i, err)
		}
		if err != nil {
			failed++
			e.log.Warning("PatchExtractor", "patch read failed", map[string]interface{}{
				"index": i,
				"coord": c.String(),
				"error": err.Error(),
			})
		}
		results = append(results, Result{
			Index:  i,
			Coord:  c,
			Anchor: e.Anchor(c),
			Patch:  p,
			Err:    err,
		})
	}

	e.log.Debug("PatchExtractor", "extraction complete", map[string]interface{}{
		"patches":     len(results) - failed,
		"failed":      failed,
		"mask_level":  e.cfg.MaskLevel,
		"patch_level": e.cfg.PatchLevel,
		"factor":      e.factor,
	})

	return results, nil
}
