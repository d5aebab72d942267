package pricing

import (
	"context"
	"errors"
	"time"
)

// Service resolves expert rates and computes call charges.
//
// Contract:
// - Pure calculation + repository lookups; no wallet or ledger writes here.
// - A partial minute always bills as a full minute (rounding up).
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrRateNotFound      = errors.New("pricing: rate not found")
	ErrInvalidPricingReq = errors.New("pricing: invalid request")
)

// RateForExpert returns the effective rate for an expert at the given time.
// If at is zero the service clock is used.
func (s *Service) RateForExpert(ctx context.Context, expertID string, at time.Time) (ExpertRate, error) {
	if expertID == "" {
		return ExpertRate{}, ErrInvalidPricingReq
	}
	if at.IsZero() {
		at = s.clock().UTC()
	}

	r, ok, err := s.repo.FindExpertRate(ctx, expertID, at)
	if err != nil {
		return ExpertRate{}, err
	}
	if !ok {
		return ExpertRate{}, ErrRateNotFound
	}
	return r, nil
}

// RateRepository abstracts rate persistence.
type RateRepository interface {
	FindExpertRate(ctx context.Context, expertID string, at time.Time) (ExpertRate, bool, error)
}

// CallCost computes the charge for a connected interval: ratePerMinute per
// started minute. 61 seconds at rate 5 costs 10, not 5.
func CallCost(ratePerMinute int64, elapsedSeconds int) int64 {
	if ratePerMinute <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	return ratePerMinute * int64(BillableMinutes(elapsedSeconds))
}

// BillableMinutes rounds seconds up to whole minutes.
func BillableMinutes(elapsedSeconds int) int {
	if elapsedSeconds <= 0 {
		return 0
	}
	m := elapsedSeconds / 60
	if elapsedSeconds%60 != 0 {
		m++
	}
	return m
}

// MinimumBalance is the balance a caller must hold to start a call.
func MinimumBalance(ratePerMinute, multiple int64) int64 {
	if multiple <= 0 {
		multiple = 1
	}
	return ratePerMinute * multiple
}
