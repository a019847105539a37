// Package pipeline runs the mask, sample and extract stages over whole
// slides and drives batches of slides across workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"slidepatch/internal/annotation"
	"slidepatch/internal/config"
	"slidepatch/internal/logger"
	"slidepatch/internal/mask"
	"slidepatch/internal/opencv/memory"
	"slidepatch/internal/patch"
	"slidepatch/internal/sampler"
	"slidepatch/internal/slide"
)

// Processor produces patches for one slide at a time. It is safe for
// concurrent use as long as every call opens its own handle, which Process
// does.
type Processor struct {
	cfg    *config.Config
	open   slide.Opener
	budget *memory.Budget
	log    logger.Logger
}

// SlideResult describes what was written for one slide. Err is set by Batch.
type SlideResult struct {
	Path     string
	SlideID  string
	Kind     mask.Kind
	Sampled  []image.Point
	Patches  []string
	Failed   int
	Masks    []string
	Manifest string
	Duration time.Duration
	Err      error
}

func NewProcessor(cfg *config.Config, open slide.Opener, budget *memory.Budget, log logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		cfg:    cfg,
		open:   open,
		budget: budget,
		log:    log,
	}
}

// Process opens path, builds the configured sampling mask, samples it and
// writes the patches, masks and manifest. The returned result is never nil
// and holds whatever was produced before a failure.
func (p *Processor) Process(ctx context.Context, path string) (*SlideResult, error) {
	start := time.Now()
	res := &SlideResult{
		Path:    path,
		SlideID: patch.SlideID(path),
		Kind:    p.cfg.SampleKind(),
	}
	timer := stageTimer{log: p.log, slideID: res.SlideID}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	s, err := p.open(path)
	if err != nil {
		return res, err
	}
	defer s.Close()

	levels, err := slide.Levels(s)
	if err != nil {
		return res, err
	}

	polygons, hasTumor, err := p.annotations(res.SlideID, res.Kind)
	if err != nil {
		return res, err
	}

	builder, err := mask.NewBuilder(mask.Config{
		Level:               p.cfg.Mask.Level,
		RGBMin:              p.cfg.Mask.RGBMin,
		HasTumorAnnotations: hasTumor,
	}, levels, p.budget, p.log)
	if err != nil {
		return res, fmt.Errorf("%s: %w", res.SlideID, err)
	}
	extractor, err := patch.NewExtractor(patch.Config{
		Size:       p.cfg.Patch.Size,
		MaskLevel:  p.cfg.Mask.Level,
		PatchLevel: p.cfg.Patch.Level,
	}, levels, p.log)
	if err != nil {
		return res, fmt.Errorf("%s: %w", res.SlideID, err)
	}

	if err := os.MkdirAll(p.cfg.Output.Dir, 0755); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}

	stageCtx := timer.StartTiming(ctx, "mask")
	masks, th, err := p.buildMasks(s, builder, polygons, hasTumor, res.Kind)
	timer.EndTiming(stageCtx)
	if err != nil {
		return res, fmt.Errorf("%s: %w", res.SlideID, err)
	}
	sampleMask := masks[res.Kind]

	if p.cfg.Output.SaveMasks {
		for _, kind := range []mask.Kind{mask.KindTissue, mask.KindTumor, mask.KindNormal} {
			m, ok := masks[kind]
			if !ok {
				continue
			}
			maskPath := filepath.Join(p.cfg.Output.Dir, res.SlideID+"_"+string(kind)+".npy")
			if err := mask.WriteFile(maskPath, m); err != nil {
				return res, err
			}
			res.Masks = append(res.Masks, maskPath)
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	rng := sampler.NewRand(slideSeed(p.cfg.Sampling.Seed, res.SlideID))
	res.Sampled, err = sampler.RandomSampled(sampleMask, p.cfg.Patch.Number, rng)
	if err != nil {
		return res, err
	}

	stageCtx = timer.StartTiming(ctx, "extract")
	results, err := extractor.Extract(s, res.Sampled)
	timer.EndTiming(stageCtx)
	if err != nil {
		return res, fmt.Errorf("%s: %w", res.SlideID, err)
	}

	saver := patch.Saver{Dir: p.cfg.Output.Dir, Format: p.cfg.Patch.Format}
	res.Patches, err = saver.SaveAll(res.SlideID, results)
	res.Failed = len(results) - len(res.Patches)
	if err != nil {
		return res, err
	}

	if p.cfg.Output.Manifest {
		m := &Manifest{
			Slide:      path,
			SlideID:    res.SlideID,
			Levels:     levelInfos(levels),
			MaskLevel:  p.cfg.Mask.Level,
			PatchLevel: p.cfg.Patch.Level,
			PatchSize:  p.cfg.Patch.Size,
			Kind:       res.Kind,
			Thresholds: th,
			TrueCount:  sampleMask.Count(),
			Coords:     coordsOf(res.Sampled),
			Spread:     CoordSpread(res.Sampled),
			Patches:    len(res.Patches),
			Failed:     res.Failed,
		}
		res.Manifest = filepath.Join(p.cfg.Output.Dir, res.SlideID+".yaml")
		if err := WriteManifest(res.Manifest, m); err != nil {
			return res, err
		}
	}

	res.Duration = time.Since(start)
	p.log.Info("SlideProcessor", "slide processed", map[string]interface{}{
		"slide":       res.SlideID,
		"kind":        string(res.Kind),
		"mask_px":     sampleMask.Count(),
		"sampled":     len(res.Sampled),
		"patches":     len(res.Patches),
		"failed":      res.Failed,
		"duration_ms": res.Duration.Milliseconds(),
	})

	return res, nil
}

// annotations loads <dir>/<slideID>.xml. A slide without a file has no tumor
// ground truth. Tissue sampling never needs polygons.
func (p *Processor) annotations(slideID string, kind mask.Kind) ([]annotation.Polygon, bool, error) {
	if kind == mask.KindTissue && !p.cfg.Output.SaveMasks {
		return nil, false, nil
	}
	if p.cfg.Annotations.Dir == "" {
		return nil, false, nil
	}

	path := filepath.Join(p.cfg.Annotations.Dir, slideID+".xml")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}

	polygons, err := annotation.Load(path)
	if err != nil {
		if p.cfg.Annotations.Lenient {
			p.log.Warning("SlideProcessor", "ignoring unreadable annotations", map[string]interface{}{
				"slide": slideID,
				"error": err.Error(),
			})
			return nil, false, nil
		}
		return nil, false, err
	}

	return polygons, true, nil
}

// buildMasks computes the masks the sampling kind depends on, keyed by kind.
// When masks are saved every mask the slide supports is computed.
func (p *Processor) buildMasks(s slide.Slide, b *mask.Builder, polygons []annotation.Polygon, hasTumor bool, kind mask.Kind) (map[mask.Kind]*mask.Mask, *mask.Thresholds, error) {
	all := p.cfg.Output.SaveMasks
	masks := make(map[mask.Kind]*mask.Mask, 3)
	var th *mask.Thresholds

	if kind != mask.KindTumor || all {
		tissue, t, err := b.TissueMask(s)
		if err != nil {
			return nil, nil, err
		}
		masks[mask.KindTissue] = tissue
		th = &t
	}

	if kind == mask.KindTumor || (hasTumor && (kind == mask.KindNormal || all)) {
		tumor, err := b.TumorMask(polygons)
		if err != nil {
			return nil, nil, err
		}
		masks[mask.KindTumor] = tumor
	}

	if kind == mask.KindNormal || all {
		normal := masks[mask.KindTissue]
		if hasTumor {
			var err error
			normal, err = mask.Normal(masks[mask.KindTissue], masks[mask.KindTumor])
			if err != nil {
				return nil, nil, err
			}
		}
		masks[mask.KindNormal] = normal
	}

	return masks, th, nil
}

// slideSeed gives every slide its own stream so results do not depend on
// which worker picked the slide up.
func slideSeed(seed uint64, slideID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(slideID))
	return seed ^ h.Sum64()
}
