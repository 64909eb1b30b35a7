// Package positions turns raw broker positions into covered-call position
// summaries and validates proposed orders against them.
package positions

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
)

// PositionSummary describes a symbol's holdings from the covered-call
// engine's point of view. The cost basis pointers stay nil when the data
// could not be determined; that is a degraded state, not an error.
type PositionSummary struct {
	Symbol             string                    `json:"symbol"`
	TotalShares        int                       `json:"total_shares"`
	AvailableShares    int                       `json:"available_shares"`
	CurrentPrice       float64                   `json:"current_price"`
	LongOptions        []broker.DetailedPosition `json:"long_options"`
	ExistingShortCalls []broker.DetailedPosition `json:"existing_short_calls"`

	AverageCostBasis           *float64 `json:"average_cost_basis,omitempty"`
	TotalCostBasis             *float64 `json:"total_cost_basis,omitempty"`
	CumulativePremiumCollected *float64 `json:"cumulative_premium_collected,omitempty"`
	EffectiveCostBasisPerShare *float64 `json:"effective_cost_basis_per_share,omitempty"`
}

// Validate checks the summary invariants.
func (s *PositionSummary) Validate() error {
	if s.TotalShares < 0 {
		return fmt.Errorf("position %s: total_shares %d cannot be negative", s.Symbol, s.TotalShares)
	}
	if s.AvailableShares < 0 {
		return fmt.Errorf("position %s: available_shares %d cannot be negative", s.Symbol, s.AvailableShares)
	}
	if s.AvailableShares > s.TotalShares {
		return fmt.Errorf("position %s: available_shares %d exceeds total_shares %d",
			s.Symbol, s.AvailableShares, s.TotalShares)
	}
	if s.CurrentPrice <= 0 {
		return fmt.Errorf("position %s: current_price %.4f must be positive", s.Symbol, s.CurrentPrice)
	}
	if s.AverageCostBasis != nil && *s.AverageCostBasis <= 0 {
		return fmt.Errorf("position %s: average_cost_basis %.4f must be positive", s.Symbol, *s.AverageCostBasis)
	}
	if s.TotalCostBasis != nil && *s.TotalCostBasis < 0 {
		return fmt.Errorf("position %s: total_cost_basis %.4f cannot be negative", s.Symbol, *s.TotalCostBasis)
	}
	if s.CumulativePremiumCollected != nil && *s.CumulativePremiumCollected < 0 {
		return fmt.Errorf("position %s: cumulative_premium_collected %.4f cannot be negative",
			s.Symbol, *s.CumulativePremiumCollected)
	}
	if s.EffectiveCostBasisPerShare != nil && *s.EffectiveCostBasisPerShare < 0 {
		return fmt.Errorf("position %s: effective_cost_basis_per_share %.4f cannot be negative",
			s.Symbol, *s.EffectiveCostBasisPerShare)
	}
	return nil
}

// SharesCommittedToShortCalls counts the shares already covering short calls.
func (s *PositionSummary) SharesCommittedToShortCalls() int {
	committed := 0
	for _, call := range s.ExistingShortCalls {
		qty := call.Quantity
		if qty < 0 {
			qty = -qty
		}
		committed += qty * 100
	}
	return committed
}

// CoveredCallOrder is a proposed sell-to-open call against owned shares.
type CoveredCallOrder struct {
	Symbol           string    `json:"symbol"`
	Strike           float64   `json:"strike"`
	Expiration       time.Time `json:"expiration"`
	Quantity         int       `json:"quantity"`
	UnderlyingShares int       `json:"underlying_shares"`
}

// Validate checks the order invariants, including the naked-call guard
// (underlying shares must back every contract).
func (o *CoveredCallOrder) Validate() error {
	if o.Strike <= 0 {
		return fmt.Errorf("order %s: strike %.4f must be positive", o.Symbol, o.Strike)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity %d must be positive", o.Symbol, o.Quantity)
	}
	if o.UnderlyingShares < o.Quantity*100 {
		return fmt.Errorf("order %s: %d underlying shares cannot cover %d contracts",
			o.Symbol, o.UnderlyingShares, o.Quantity)
	}
	return nil
}
