package planner

import (
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
)

// PremiumEstimator prices a proposed short call. The engine ships with a
// simplified heuristic; swap in a quote-backed implementation to use live
// bid/ask data without touching the allocation logic.
type PremiumEstimator interface {
	EstimatePremium(strike, price float64, expiration time.Time, now time.Time) float64
}

// HeuristicEstimator is a deliberately simple placeholder model:
// max(0.50, (strike-price)*0.1 + days*0.02) per contract.
type HeuristicEstimator struct{}

// EstimatePremium implements PremiumEstimator.
func (HeuristicEstimator) EstimatePremium(strike, price float64, expiration time.Time, now time.Time) float64 {
	days := broker.DaysBetween(now, expiration)
	premium := (strike-price)*0.1 + float64(days)*0.02
	if premium < 0.50 {
		premium = 0.50
	}
	return premium
}

var _ PremiumEstimator = HeuristicEstimator{}
