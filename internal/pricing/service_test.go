package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallCost_RoundsPartialMinutesUp(t *testing.T) {
	tests := []struct {
		name    string
		rate    int64
		seconds int
		want    int64
	}{
		{"exact minute", 5, 60, 5},
		{"one second over bills a full minute", 5, 61, 10},
		{"two minutes five seconds", 5, 125, 15},
		{"sub-minute call bills one minute", 5, 10, 5},
		{"zero elapsed", 5, 0, 0},
		{"zero rate", 0, 120, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CallCost(tt.rate, tt.seconds))
		})
	}
}

func TestMinimumBalance(t *testing.T) {
	assert.Equal(t, int64(25), MinimumBalance(5, 5))
	assert.Equal(t, int64(5), MinimumBalance(5, 0), "non-positive multiple falls back to 1x")
}

func TestRateForExpert_PicksEffectiveRow(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-30 * 24 * time.Hour)
	cut := now.Add(-24 * time.Hour)

	repo := &MemoryRepo{Rates: []ExpertRate{
		{ID: "r1", ExpertID: "e-1", RatePerMinute: 3, EffectiveFrom: old, EffectiveTo: &cut, Status: RateStatusActive},
		{ID: "r2", ExpertID: "e-1", RatePerMinute: 5, EffectiveFrom: cut, Status: RateStatusActive},
		{ID: "r3", ExpertID: "e-1", RatePerMinute: 9, EffectiveFrom: now.Add(time.Hour), Status: RateStatusActive},
		{ID: "r4", ExpertID: "e-2", RatePerMinute: 7, EffectiveFrom: old, Status: RateStatusActive},
	}}
	svc := NewService(repo)

	r, err := svc.RateForExpert(context.Background(), "e-1", now)
	require.NoError(t, err)
	assert.Equal(t, "r2", r.ID)
	assert.Equal(t, int64(5), r.RatePerMinute)
}

func TestRateForExpert_NotFound(t *testing.T) {
	svc := NewService(&MemoryRepo{})
	_, err := svc.RateForExpert(context.Background(), "e-404", time.Now())
	require.ErrorIs(t, err, ErrRateNotFound)
}
