package pricing

import "time"

// ExpertRate is the per-minute token rate one expert charges.
//
// Rates have effective windows so an expert can change pricing without
// touching history. A call snapshots the rate at initiation; later rate
// changes never affect an in-progress call.
type ExpertRate struct {
	ID       string `json:"id" db:"id"`
	ExpertID string `json:"expert_id" db:"expert_id"`

	// RatePerMinute is in whole tokens per started minute.
	RatePerMinute int64 `json:"rate_per_minute" db:"rate_per_minute"`

	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status RateStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type RateStatus string

const (
	RateStatusActive   RateStatus = "active"
	RateStatusInactive RateStatus = "inactive"
)
