// Package slide describes the pyramidal whole-slide image capability the
// mask and patch stages read pixels through.
//
// A Slide is bound to one file and is not safe for concurrent use. Batch
// drivers that parallelise work must open one Slide per worker.
package slide

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrUnreadable is wrapped by every OpenError.
	ErrUnreadable = errors.New("slide unreadable")

	ErrLevelOutOfRange = errors.New("pyramid level out of range")

	// ErrClosed is returned by any read on a released handle.
	ErrClosed = errors.New("slide handle closed")
)

// Level describes one resolution of the pyramid. Downsample is the number of
// level-0 pixels per pixel at this level; it is 1 for level 0.
type Level struct {
	Width      int
	Height     int
	Downsample float64
}

// Size returns the level dimensions as a point (X = width, Y = height).
func (l Level) Size() image.Point {
	return image.Pt(l.Width, l.Height)
}

// Slide is a handle on one pyramidal image.
type Slide interface {
	// LevelCount returns the number of pyramid levels.
	LevelCount() int

	// Level returns the metadata of level l.
	Level(l int) (Level, error)

	// ReadRegion returns a size.X by size.Y RGBA buffer read at level, with
	// its top-left corner at origin expressed in level-0 pixels. Pixels
	// outside the slide are transparent black; callers that need RGB drop
	// the alpha channel.
	ReadRegion(origin image.Point, level int, size image.Point) (*image.RGBA, error)

	// Close releases the handle. Further reads return ErrClosed.
	Close() error
}

// Opener opens a slide file. Batch drivers call it once per worker and slide.
type Opener func(path string) (Slide, error)

// OpenError reports a slide that could not be opened or decoded.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open slide %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() []error {
	return []error{ErrUnreadable, e.Err}
}

// Levels snapshots the metadata of every level of s.
func Levels(s Slide) ([]Level, error) {
	levels := make([]Level, s.LevelCount())
	for i := range levels {
		lvl, err := s.Level(i)
		if err != nil {
			return nil, err
		}
		levels[i] = lvl
	}
	return levels, nil
}

// ValidateLevel checks that level indexes into levels.
func ValidateLevel(levels []Level, level int, name string) error {
	if level < 0 || level >= len(levels) {
		return fmt.Errorf("%s %d not in [0, %d): %w", name, level, len(levels), ErrLevelOutOfRange)
	}
	return nil
}
