package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"slidepatch/internal/config"
	"slidepatch/internal/logger"
	"slidepatch/internal/opencv/memory"
	"slidepatch/internal/pipeline"
	"slidepatch/internal/shutdown"
	"slidepatch/internal/slide"
)

var slideExts = map[string]bool{
	".tif": true, ".tiff": true, ".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
}

func main() {
	configPath := flag.String("config", "slidepatch.yaml", "YAML configuration file (defaults are used if it does not exist)")
	writeConfig := flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
	outDir := flag.String("out", "", "Output directory for patches, masks and manifests")
	annotations := flag.String("annotations", "", "Directory of <slideID>.xml tumor annotations")
	sample := flag.String("sample", "", "Mask to sample from: tissue, tumor or normal")
	number := flag.Int("number", 0, "Patches per slide")
	size := flag.Int("size", 0, "Patch side length in pixels")
	maskLevel := flag.Int("mask-level", 0, "Pyramid level masks are computed at")
	patchLevel := flag.Int("patch-level", 0, "Pyramid level patches are read at")
	seed := flag.Uint64("seed", 0, "Sampling seed")
	workers := flag.Int("workers", 0, "Slides processed in parallel")
	saveMasks := flag.Bool("save-masks", false, "Save computed masks as .npy")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	jsonLogs := flag.Bool("json", false, "Log JSON instead of console output")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] slide-or-dir...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// flags only override what was given explicitly
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.Output.Dir = *outDir
		case "annotations":
			cfg.Annotations.Dir = *annotations
		case "sample":
			cfg.Mask.Sample = *sample
		case "number":
			cfg.Patch.Number = *number
		case "size":
			cfg.Patch.Size = *size
		case "mask-level":
			cfg.Mask.Level = *maskLevel
		case "patch-level":
			cfg.Patch.Level = *patchLevel
		case "seed":
			cfg.Sampling.Seed = *seed
		case "workers":
			cfg.Workers = *workers
		case "save-masks":
			cfg.Output.SaveMasks = *saveMasks
		case "log-level":
			cfg.Log.Level = *logLevel
		case "json":
			cfg.Log.JSON = *jsonLogs
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", *configPath)
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level, _ := logger.ParseLevel(cfg.Log.Level)
	var appLogger logger.Logger = logger.NewConsoleLogger(level)
	if cfg.Log.JSON {
		appLogger = logger.NewJSONLogger(level)
	}

	paths, err := collectSlides(flag.Args())
	if err != nil {
		log.Fatalf("Failed to list slides: %v", err)
	}
	if len(paths) == 0 {
		log.Fatalf("No slide files found in %v", flag.Args())
	}

	budget := memory.NewBudget(cfg.Memory.MaxRegionBytes)

	mgr := shutdown.NewManager(context.Background(), appLogger)
	mgr.Register("memory report", func() {
		st := budget.Stats()
		appLogger.Debug("Memory", "region budget", map[string]interface{}{
			"peak_bytes":   st.Peak,
			"rejected":     st.Rejected,
			"max_allowed":  st.MaxAllowed,
			"still_in_use": st.InUse,
		})
	})
	mgr.Listen()
	defer mgr.Shutdown()

	proc := pipeline.NewProcessor(cfg, slide.NewOpener(cfg.Slide.Levels), budget, appLogger)
	summary := pipeline.NewBatch(proc, cfg.Workers, appLogger).Run(mgr.Context(), paths)

	for _, r := range summary.Results {
		if r.Err != nil {
			fmt.Printf("FAIL %s: %v\n", r.SlideID, r.Err)
			continue
		}
		fmt.Printf("ok   %s: %d patches (%d sampled, %d failed)\n", r.SlideID, len(r.Patches), len(r.Sampled), r.Failed)
	}
	fmt.Printf("\n%d of %d slides processed in %.2fs\n", summary.Succeeded, len(paths), summary.Duration.Seconds())

	if summary.Failed > 0 {
		mgr.Shutdown()
		os.Exit(1)
	}
}

// collectSlides expands directories to the slide files they contain, sorted
// by name. Files named explicitly are kept whatever their extension.
func collectSlides(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !slideExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			found = append(found, filepath.Join(arg, e.Name()))
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	return paths, nil
}
