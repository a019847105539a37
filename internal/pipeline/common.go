package pipeline

import (
	"context"
	"time"

	"slidepatch/internal/logger"
)

// stageTimer logs how long each stage of a slide took.
type stageTimer struct {
	log     logger.Logger
	slideID string
}

type stageKey struct{}

type stageStart struct {
	name  string
	start time.Time
}

func (t stageTimer) StartTiming(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stageStart{name: stage, start: time.Now()})
}

func (t stageTimer) EndTiming(ctx context.Context) {
	s, ok := ctx.Value(stageKey{}).(stageStart)
	if !ok {
		return
	}
	t.log.Debug("SlideProcessor", "stage finished", map[string]interface{}{
		"slide":       t.slideID,
		"stage":       s.name,
		"duration_ms": time.Since(s.start).Milliseconds(),
	})
}
