package mask

import (
	"fmt"
	"image"

	"slidepatch/internal/annotation"
	"slidepatch/internal/logger"
	"slidepatch/internal/opencv/conversion"
	"slidepatch/internal/opencv/memory"
	"slidepatch/internal/opencv/safe"
	"slidepatch/internal/slide"
)

// Config selects the level masks are computed at, the background intensity
// floor and whether the slide carries tumor ground truth.
type Config struct {
	Level  int
	RGBMin int

	// HasTumorAnnotations must be set by the caller; it cannot be inferred
	// from the masks. Without it NormalMask is the tissue mask.
	HasTumorAnnotations bool
}

// Builder computes masks for one pyramid level. It holds no slide handle;
// every read goes through the Slide passed to the call.
type Builder struct {
	cfg    Config
	level  slide.Level
	budget *memory.Budget
	log    logger.Logger
}

// NewBuilder validates cfg against the pyramid levels. budget may be nil.
func NewBuilder(cfg Config, levels []slide.Level, budget *memory.Budget, log logger.Logger) (*Builder, error) {
	if err := slide.ValidateLevel(levels, cfg.Level, "mask level"); err != nil {
		return nil, err
	}
	if cfg.RGBMin < 0 || cfg.RGBMin > 255 {
		return nil, fmt.Errorf("rgb_min %d outside [0, 255]", cfg.RGBMin)
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Builder{
		cfg:    cfg,
		level:  levels[cfg.Level],
		budget: budget,
		log:    log,
	}, nil
}

func (b *Builder) Config() Config { return b.cfg }

// Level returns the metadata of the level masks are computed at.
func (b *Builder) Level() slide.Level { return b.level }

// TissueMask reads the whole configured level from s and separates tissue
// from background:
//
//	NOT(R > tR AND G > tG AND B > tB) AND S > tS AND R,G,B > RGBMin
//
// where tR, tG, tB and tS are Otsu thresholds of the R, G, B and HSV
// saturation channels. A blank slide yields an all-false mask.
func (b *Builder) TissueMask(s slide.Slide) (*Mask, Thresholds, error) {
	if err := b.checkSlide(s); err != nil {
		return nil, Thresholds{}, err
	}

	rgb, err := b.readLevel(s)
	if err != nil {
		return nil, Thresholds{}, err
	}
	defer rgb.Close()

	hsv, err := conversion.ConvertRGBToHSV(rgb, b.budget)
	if err != nil {
		return nil, Thresholds{}, fmt.Errorf("tissue mask: %w", err)
	}
	defer hsv.Close()

	th, err := channelThresholds(rgb, hsv, b.budget)
	if err != nil {
		return nil, Thresholds{}, fmt.Errorf("tissue mask: %w", err)
	}

	rgbData, err := rgb.Bytes()
	if err != nil {
		return nil, Thresholds{}, err
	}
	hsvData, err := hsv.Bytes()
	if err != nil {
		return nil, Thresholds{}, err
	}

	out := classifyTissue(rgbData, hsvData, th, uint8(b.cfg.RGBMin))

	tissue, err := safe.NewFromBytes(b.level.Height, b.level.Width, matTypeGray, out, b.budget, "tissue")
	if err != nil {
		return nil, Thresholds{}, err
	}
	defer tissue.Close()

	m, err := b.fromMat(tissue)
	if err != nil {
		return nil, Thresholds{}, fmt.Errorf("tissue mask: %w", err)
	}

	b.log.Debug("MaskBuilder", "tissue mask computed", map[string]interface{}{
		"mask_level": b.cfg.Level,
		"size":       fmt.Sprintf("%dx%d", m.Width(), m.Height()),
		"threshold":  th.String(),
		"tissue_px":  m.Count(),
		"rgb_min":    b.cfg.RGBMin,
	})

	return m, th, nil
}

// TumorMask rasterizes polygons (level-0 coordinates) at the configured
// level. No polygons yields an all-false mask.
func (b *Builder) TumorMask(polygons []annotation.Polygon) (*Mask, error) {
	canvas, err := safe.NewZeros(b.level.Height, b.level.Width, matTypeGray, b.budget, "tumor")
	if err != nil {
		return nil, fmt.Errorf("tumor mask: %w", err)
	}
	defer canvas.Close()

	filled := 0
	for i, poly := range polygons {
		pts := rasterVertices(poly, b.level.Downsample)
		if pts == nil {
			b.log.Debug("MaskBuilder", "skipping degenerate polygon", map[string]interface{}{
				"polygon":  i,
				"vertices": len(poly),
			})
			continue
		}
		if err := fillPolygon(canvas, pts); err != nil {
			return nil, fmt.Errorf("tumor mask polygon %d: %w", i, err)
		}
		filled++
	}

	m, err := b.fromMat(canvas)
	if err != nil {
		return nil, fmt.Errorf("tumor mask: %w", err)
	}

	b.log.Debug("MaskBuilder", "tumor mask computed", map[string]interface{}{
		"mask_level": b.cfg.Level,
		"polygons":   len(polygons),
		"filled":     filled,
		"tumor_px":   m.Count(),
	})

	return m, nil
}

// NormalMask is tissue AND NOT tumor for slides with tumor annotations and
// the plain tissue mask otherwise.
func (b *Builder) NormalMask(s slide.Slide, polygons []annotation.Polygon) (*Mask, error) {
	tissue, _, err := b.TissueMask(s)
	if err != nil {
		return nil, err
	}
	if !b.cfg.HasTumorAnnotations {
		return tissue, nil
	}

	tumor, err := b.TumorMask(polygons)
	if err != nil {
		return nil, err
	}
	return Normal(tissue, tumor)
}

// Normal combines precomputed masks: tissue AND NOT tumor.
func Normal(tissue, tumor *Mask) (*Mask, error) {
	return tissue.AndNot(tumor)
}

func (b *Builder) checkSlide(s slide.Slide) error {
	lvl, err := s.Level(b.cfg.Level)
	if err != nil {
		return err
	}
	if lvl != b.level {
		return fmt.Errorf("slide level %d is %dx%d, builder expects %dx%d",
			b.cfg.Level, lvl.Width, lvl.Height, b.level.Width, b.level.Height)
	}
	return nil
}

// readLevel reads the full level and converts it to an RGB Mat. The RGBA
// buffer is dropped before returning so only the Mat stays resident.
func (b *Builder) readLevel(s slide.Slide) (*safe.Mat, error) {
	size := b.level.Size()
	regionBytes := memory.RegionBytes(size, 4)
	if err := b.budget.Reserve(regionBytes, "region"); err != nil {
		return nil, fmt.Errorf("read level %d: %w", b.cfg.Level, err)
	}
	defer b.budget.Release(regionBytes, "region")

	region, err := s.ReadRegion(image.Point{}, b.cfg.Level, size)
	if err != nil {
		return nil, fmt.Errorf("read level %d: %w", b.cfg.Level, err)
	}

	rgb, err := conversion.RGBAToRGBMat(region, b.budget)
	if err != nil {
		return nil, fmt.Errorf("read level %d: %w", b.cfg.Level, err)
	}
	return rgb, nil
}

// fromMat is the only way a Mat becomes a Mask. Mats are laid out
// (rows=height, cols=width); transposing gives rows indexed by x so the bytes
// are already in Mask's x-major order. Tissue and tumor masks both pass
// through here, which keeps their axes consistent for Normal.
func (b *Builder) fromMat(src *safe.Mat) (*Mask, error) {
	if err := safe.ValidateChannels(src, 1, "mask conversion"); err != nil {
		return nil, err
	}
	if src.Rows() != b.level.Height || src.Cols() != b.level.Width {
		return nil, fmt.Errorf("Mat is %dx%d, level is %dx%d",
			src.Cols(), src.Rows(), b.level.Width, b.level.Height)
	}

	tr, err := conversion.Transpose(src, b.budget, "mask_transposed")
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	data, err := tr.Bytes()
	if err != nil {
		return nil, err
	}

	m := New(b.level.Width, b.level.Height)
	if len(data) != len(m.bits) {
		return nil, fmt.Errorf("transposed Mat holds %d cells, want %d", len(data), len(m.bits))
	}
	for i, v := range data {
		m.bits[i] = v > binarizeAt
	}
	return m, nil
}
