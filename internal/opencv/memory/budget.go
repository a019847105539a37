package memory

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrBudgetExceeded is returned when a reservation would push the bytes in
// use past the configured limit.
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// Budget accounts for the large pixel buffers a slide pipeline holds at once:
// full-level region reads and the Mats derived from them. A nil *Budget
// accepts every reservation.
type Budget struct {
	mu    sync.Mutex
	stats Stats
}

type Stats struct {
	InUse      int64
	Peak       int64
	Reserved   int64
	Released   int64
	Rejected   int64
	MaxAllowed int64
}

// NewBudget limits concurrent reservations to maxBytes. maxBytes <= 0 means
// no limit.
func NewBudget(maxBytes int64) *Budget {
	return &Budget{stats: Stats{MaxAllowed: maxBytes}}
}

func (b *Budget) Reserve(size int64, tag string) error {
	if b == nil {
		return nil
	}
	if size < 0 {
		return fmt.Errorf("negative reservation %d for %s", size, tag)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stats.MaxAllowed > 0 && b.stats.InUse+size > b.stats.MaxAllowed {
		b.stats.Rejected++
		return fmt.Errorf("%s needs %d bytes with %d of %d in use: %w",
			tag, size, b.stats.InUse, b.stats.MaxAllowed, ErrBudgetExceeded)
	}

	b.stats.InUse += size
	b.stats.Reserved += size
	if b.stats.InUse > b.stats.Peak {
		b.stats.Peak = b.stats.InUse
	}
	return nil
}

func (b *Budget) Release(size int64, tag string) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.InUse -= size
	b.stats.Released += size
	if b.stats.InUse < 0 {
		b.stats.InUse = 0
	}
}

func (b *Budget) Stats() Stats {
	if b == nil {
		return Stats{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// RegionBytes is the size of an 8-bit buffer of the given dimensions.
func RegionBytes(size image.Point, channels int) int64 {
	return int64(size.X) * int64(size.Y) * int64(channels)
}
