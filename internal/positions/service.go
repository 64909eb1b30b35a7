package positions

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
)

// CostBasisSource provides cost basis data from the ledger. Lookups for
// untracked symbols return ledger.ErrNotFound.
type CostBasisSource interface {
	GetSummary(symbol string) (*ledger.Summary, error)
	CumulativePremium(symbol string) (float64, error)
}

// Ensure the ledger satisfies the source interface.
var _ CostBasisSource = (*ledger.Ledger)(nil)

// Service is the position accountant. It degrades gracefully: only a price
// failure aborts a summary, everything else falls back with a warning.
type Service struct {
	broker    broker.Broker
	costBasis CostBasisSource
	logger    *log.Logger
}

// NewService creates a position accountant. costBasis may be nil when no
// ledger is wired (cost basis fields then fall back to broker data).
func NewService(b broker.Broker, costBasis CostBasisSource, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "positions: ", log.LstdFlags)
	}
	return &Service{broker: b, costBasis: costBasis, logger: logger}
}

// GetPositionSummary assembles the covered-call view of one symbol.
func (s *Service) GetPositionSummary(symbol string) (*PositionSummary, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	price, err := s.broker.GetCurrentPrice(symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching price for %s: %w", symbol, err)
	}

	var stockShares int
	var stockAvgCost float64
	stock, err := s.broker.GetStockPosition(symbol)
	if err != nil {
		s.logger.Printf("warning: stock position lookup failed for %s, assuming 0 shares: %v", symbol, err)
	} else if stock != nil {
		stockShares = stock.Quantity
		stockAvgCost = stock.AverageCost
	}

	var longOptions, shortCalls []broker.DetailedPosition
	detailed, err := s.broker.GetDetailedPositions(symbol)
	if err != nil {
		s.logger.Printf("warning: detailed positions unavailable for %s: %v", symbol, err)
	} else {
		for _, pos := range detailed {
			switch pos.PositionType {
			case broker.PositionTypeLongCall, broker.PositionTypeLongPut:
				longOptions = append(longOptions, pos)
			case broker.PositionTypeShortCall:
				shortCalls = append(shortCalls, pos)
			}
		}
	}

	totalShares := stockShares
	for _, pos := range longOptions {
		if pos.PositionType == broker.PositionTypeLongCall {
			totalShares += pos.Quantity * SharesPerContract
		}
	}

	committed := 0
	for _, call := range shortCalls {
		qty := call.Quantity
		if qty < 0 {
			qty = -qty
		}
		committed += qty * SharesPerContract
	}
	availableShares := totalShares - committed
	if availableShares < 0 {
		availableShares = 0
	}

	summary := &PositionSummary{
		Symbol:             symbol,
		TotalShares:        totalShares,
		AvailableShares:    availableShares,
		CurrentPrice:       price,
		LongOptions:        longOptions,
		ExistingShortCalls: shortCalls,
	}

	s.fillCostBasis(summary, stockAvgCost)
	return summary, nil
}

// fillCostBasis resolves cost basis through the fallback chain:
// ledger first, then broker-reported average cost, then the current price as
// a last-resort estimate. Every step degrades with a log line, never an error.
func (s *Service) fillCostBasis(summary *PositionSummary, brokerAvgCost float64) {
	if s.costBasis != nil {
		if ls, err := s.costBasis.GetSummary(summary.Symbol); err == nil {
			summary.AverageCostBasis = ptr(ls.OriginalCostBasisPerShare)
			summary.TotalCostBasis = ptr(ls.TotalOriginalCost)
			summary.CumulativePremiumCollected = ptr(ls.CumulativePremiumCollected)
			summary.EffectiveCostBasisPerShare = ptr(ls.EffectiveCostBasisPerShare)
			return
		} else if !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Printf("warning: ledger cost basis lookup failed for %s: %v", summary.Symbol, err)
		}
	}

	original := brokerAvgCost
	if original <= 0 {
		s.logger.Printf("warning: no reliable cost basis for %s, estimating with current price %.2f",
			summary.Symbol, summary.CurrentPrice)
		original = summary.CurrentPrice
	}
	if original <= 0 || summary.TotalShares <= 0 {
		return
	}

	premium := 0.0
	if s.costBasis != nil {
		if p, err := s.costBasis.CumulativePremium(summary.Symbol); err == nil {
			premium = p
		} else if !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Printf("warning: cumulative premium lookup failed for %s: %v", summary.Symbol, err)
		}
	}

	summary.AverageCostBasis = ptr(original)
	summary.TotalCostBasis = ptr(original * float64(summary.TotalShares))
	summary.CumulativePremiumCollected = ptr(premium)
	if effective, err := ledger.EffectiveCostBasis(original, premium, summary.TotalShares); err == nil {
		summary.EffectiveCostBasisPerShare = ptr(effective)
	}
}

// CumulativePremium returns the premium collected to date for a symbol,
// treating an untracked symbol as zero.
func (s *Service) CumulativePremium(symbol string) float64 {
	if s.costBasis == nil {
		return 0
	}
	premium, err := s.costBasis.CumulativePremium(symbol)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Printf("warning: cumulative premium lookup failed for %s: %v", symbol, err)
		}
		return 0
	}
	return premium
}

// ValidateCoveredCallOrders runs the pre-submission position checks for a
// batch of proposed orders.
func (s *Service) ValidateCoveredCallOrders(summary *PositionSummary, orders []CoveredCallOrder) ValidationSummary {
	requested := 0
	for _, order := range orders {
		requested += order.Quantity
	}

	result := ValidationSummary{
		RequestedContracts:  requested,
		TotalSharesRequired: requested * SharesPerContract,
		ShareValidation:     ValidateSufficientShares(summary, requested),
		ConflictValidation:  ValidateExistingShortCalls(summary, orders),
		MinimumValidation:   ValidateMinimumRequirements(summary),
	}
	result.IsValid = result.ShareValidation.IsValid &&
		result.ConflictValidation.IsValid &&
		result.MinimumValidation.IsValid
	return result
}

// ValidateCostBasisAccuracy sanity-checks the cost basis fields of a summary.
// It returns human-readable warnings and errors; an empty errors slice means
// the data is usable.
func (s *Service) ValidateCostBasisAccuracy(summary *PositionSummary) (warnings, errs []string) {
	if summary.AverageCostBasis == nil || summary.CumulativePremiumCollected == nil {
		return nil, nil
	}
	original := *summary.AverageCostBasis
	premium := *summary.CumulativePremiumCollected

	if summary.EffectiveCostBasisPerShare != nil && *summary.EffectiveCostBasisPerShare < 0 {
		errs = append(errs, fmt.Sprintf("%s: effective cost basis %.4f is negative",
			summary.Symbol, *summary.EffectiveCostBasisPerShare))
	}

	originalTotal := original * float64(summary.TotalShares)
	if premium > originalTotal {
		errs = append(errs, fmt.Sprintf("%s: collected premium %.2f exceeds original cost %.2f",
			summary.Symbol, premium, originalTotal))
	} else if premium > originalTotal*0.5 {
		warnings = append(warnings, fmt.Sprintf("%s: collected premium %.2f exceeds half the original cost %.2f",
			summary.Symbol, premium, originalTotal))
	}

	if summary.TotalCostBasis != nil {
		expected := original * float64(summary.TotalShares)
		if math.Abs(*summary.TotalCostBasis-expected) > 0.01 {
			errs = append(errs, fmt.Sprintf("%s: total cost basis %.2f does not match %.4f x %d shares",
				summary.Symbol, *summary.TotalCostBasis, original, summary.TotalShares))
		}
	}

	return warnings, errs
}

func ptr(v float64) *float64 { return &v }
