package pricing

import (
	"context"
	"time"
)

// MemoryRepo is a simple in-memory repository useful for tests and early
// development.
type MemoryRepo struct {
	Rates []ExpertRate
}

func (r *MemoryRepo) FindExpertRate(ctx context.Context, expertID string, at time.Time) (ExpertRate, bool, error) {
	_ = ctx

	// Prefer the most recent effective rate row.
	var best ExpertRate
	found := false

	for _, p := range r.Rates {
		if p.ExpertID != expertID {
			continue
		}
		if p.Status != RateStatusActive {
			continue
		}
		if at.Before(p.EffectiveFrom) {
			continue
		}
		if p.EffectiveTo != nil && !at.Before(*p.EffectiveTo) {
			continue
		}

		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}

	return best, found, nil
}
