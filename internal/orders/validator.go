// Package orders validates and executes covered call order batches.
package orders

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/positions"
)

// DefaultMaxContractsPerExpiration caps a single order's size before a
// warning is raised.
const DefaultMaxContractsPerExpiration = 10

// ValidationOutcome is the result of pre-submission validation. Orders are
// split into validated and rejected sets; the batch is submittable as long as
// at least one order survives.
type ValidationOutcome struct {
	IsValid           bool                        `json:"is_valid"`
	ValidatedOrders   []positions.CoveredCallOrder `json:"validated_orders"`
	RejectedOrders    []positions.CoveredCallOrder `json:"rejected_orders"`
	Warnings          []string                    `json:"warnings"`
	Errors            []string                    `json:"errors"`
	TotalContracts    int                         `json:"total_contracts"`
	TotalSharesNeeded int                         `json:"total_shares_needed"`
}

// Validator runs pre-submission checks on covered call order batches.
type Validator struct {
	logger *log.Logger
	now    func() time.Time
}

// NewValidator creates an order validator.
func NewValidator(logger *log.Logger) *Validator {
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Validator{logger: logger, now: time.Now}
}

// ValidateOrders checks each order's parameters, then the batch against the
// position. Per-order failures reject only that order; a position-level
// failure rejects the whole batch. When the position supports fewer contracts
// than requested, quantities are scaled down instead of rejected.
func (v *Validator) ValidateOrders(
	orders []positions.CoveredCallOrder,
	summary *positions.PositionSummary,
	maxContractsPerExpiration int,
) ValidationOutcome {
	if maxContractsPerExpiration <= 0 {
		maxContractsPerExpiration = DefaultMaxContractsPerExpiration
	}

	outcome := ValidationOutcome{}

	for _, order := range orders {
		warnings, errs := v.validateSingleOrder(order, maxContractsPerExpiration)
		if len(errs) > 0 {
			outcome.RejectedOrders = append(outcome.RejectedOrders, order)
			outcome.Errors = append(outcome.Errors, errs...)
			v.logger.Printf("Order rejected for %s %.2f exp %s: %v",
				order.Symbol, order.Strike, order.Expiration.Format("2006-01-02"), errs)
			continue
		}
		outcome.ValidatedOrders = append(outcome.ValidatedOrders, order)
		outcome.Warnings = append(outcome.Warnings, warnings...)
	}

	if len(outcome.ValidatedOrders) > 0 {
		totalContracts := 0
		for _, order := range outcome.ValidatedOrders {
			totalContracts += order.Quantity
		}

		shareCheck := positions.ValidateSufficientShares(summary, totalContracts)
		switch {
		case !shareCheck.IsValid:
			outcome.RejectedOrders = append(outcome.RejectedOrders, outcome.ValidatedOrders...)
			outcome.ValidatedOrders = nil
			outcome.Errors = append(outcome.Errors, shareCheck.ErrorMessage)
			v.logger.Printf("Position validation failed for %s: %s", summary.Symbol, shareCheck.ErrorMessage)
		case shareCheck.WarningMessage != "":
			outcome.Warnings = append(outcome.Warnings, shareCheck.WarningMessage)
			if shareCheck.AdjustedContracts > 0 {
				outcome.ValidatedOrders = adjustOrderQuantities(outcome.ValidatedOrders, shareCheck.AdjustedContracts)
			}
		}
	}

	if len(outcome.ValidatedOrders) > 0 {
		conflictCheck := positions.ValidateExistingShortCalls(summary, outcome.ValidatedOrders)
		if conflictCheck.WarningMessage != "" {
			outcome.Warnings = append(outcome.Warnings, conflictCheck.WarningMessage)
		}
	}

	for _, order := range outcome.ValidatedOrders {
		outcome.TotalContracts += order.Quantity
	}
	outcome.TotalSharesNeeded = outcome.TotalContracts * positions.SharesPerContract
	outcome.IsValid = len(outcome.ValidatedOrders) > 0

	v.logger.Printf("Validation for %s: %d validated, %d rejected, %d warnings, %d errors",
		summary.Symbol, len(outcome.ValidatedOrders), len(outcome.RejectedOrders),
		len(outcome.Warnings), len(outcome.Errors))
	return outcome
}

func (v *Validator) validateSingleOrder(
	order positions.CoveredCallOrder,
	maxContractsPerExpiration int,
) (warnings, errs []string) {
	if order.Strike <= 0 {
		errs = append(errs, fmt.Sprintf("invalid strike price: %.2f", order.Strike))
	}

	if order.Quantity <= 0 {
		errs = append(errs, fmt.Sprintf("invalid quantity: %d", order.Quantity))
	} else if order.Quantity > maxContractsPerExpiration {
		warnings = append(warnings, fmt.Sprintf("quantity %d exceeds maximum %d per expiration",
			order.Quantity, maxContractsPerExpiration))
	}

	today := v.now().UTC().Truncate(24 * time.Hour)
	if !order.Expiration.UTC().Truncate(24 * time.Hour).After(today) {
		errs = append(errs, fmt.Sprintf("expiration date %s is not in the future",
			order.Expiration.Format("2006-01-02")))
	}

	if order.UnderlyingShares < order.Quantity*positions.SharesPerContract {
		errs = append(errs, fmt.Sprintf("insufficient underlying shares: %d for %d contracts",
			order.UnderlyingShares, order.Quantity))
	}

	return warnings, errs
}

// adjustOrderQuantities proportionally scales a batch down to maxTotal
// contracts. The last order absorbs the rounding remainder, and a final
// trim from the back guarantees the total never exceeds maxTotal even when
// the one-contract floor on early orders overshoots.
func adjustOrderQuantities(orders []positions.CoveredCallOrder, maxTotal int) []positions.CoveredCallOrder {
	if len(orders) == 0 || maxTotal <= 0 {
		return nil
	}

	totalRequested := 0
	for _, order := range orders {
		totalRequested += order.Quantity
	}
	if totalRequested <= maxTotal {
		return orders
	}

	quantities := make([]int, len(orders))
	allocated := 0
	for i, order := range orders {
		if i == len(orders)-1 {
			quantities[i] = maxTotal - allocated
			if quantities[i] < 0 {
				quantities[i] = 0
			}
		} else {
			proportion := float64(order.Quantity) / float64(totalRequested)
			quantities[i] = int(float64(maxTotal) * proportion)
			if quantities[i] < 1 {
				quantities[i] = 1
			}
		}
		allocated += quantities[i]
	}

	total := 0
	for _, quantity := range quantities {
		total += quantity
	}
	for i := len(quantities) - 1; i >= 0 && total > maxTotal; i-- {
		for quantities[i] > 0 && total > maxTotal {
			quantities[i]--
			total--
		}
	}

	adjusted := make([]positions.CoveredCallOrder, 0, len(orders))
	for i, order := range orders {
		if quantities[i] <= 0 {
			continue
		}
		adjusted = append(adjusted, positions.CoveredCallOrder{
			Symbol:           order.Symbol,
			Strike:           order.Strike,
			Expiration:       order.Expiration,
			Quantity:         quantities[i],
			UnderlyingShares: quantities[i] * positions.SharesPerContract,
		})
	}
	return adjusted
}
