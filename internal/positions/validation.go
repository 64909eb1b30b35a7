package positions

import (
	"fmt"
	"math"
	"strings"

	"github.com/eddiefleurent/covered_caller/internal/broker"
)

// SharesPerContract is the standard option contract multiplier.
const SharesPerContract = 100

// MinimumSharesForTiering is the smallest position that supports the tiered
// strategy (three 100-share tranches).
const MinimumSharesForTiering = 300

// ValidationResult is the outcome of one position-level check.
// AdjustedContracts is set (non-zero) when the check passed only after
// scaling the requested contract count down.
type ValidationResult struct {
	IsValid           bool   `json:"is_valid"`
	ErrorMessage      string `json:"error_message,omitempty"`
	WarningMessage    string `json:"warning_message,omitempty"`
	AdjustedContracts int    `json:"adjusted_contracts,omitempty"`
}

// ValidationSummary aggregates the checks run before submitting covered calls.
type ValidationSummary struct {
	IsValid             bool             `json:"is_valid"`
	ShareValidation     ValidationResult `json:"share_validation"`
	ConflictValidation  ValidationResult `json:"conflict_validation"`
	MinimumValidation   ValidationResult `json:"minimum_validation"`
	RequestedContracts  int              `json:"requested_contracts"`
	TotalSharesRequired int              `json:"total_shares_required"`
}

// ValidateSufficientShares checks that available shares back the requested
// contracts. When they cannot, it scales the request down to what the
// position supports and reports the reduced count with a warning.
func ValidateSufficientShares(summary *PositionSummary, contractsNeeded int) ValidationResult {
	if summary.TotalShares <= 0 {
		return ValidationResult{
			ErrorMessage: fmt.Sprintf("no shares of %s held; covered calls require owned shares", summary.Symbol),
		}
	}
	if summary.TotalShares < SharesPerContract {
		return ValidationResult{
			ErrorMessage: fmt.Sprintf("%s position of %d shares is below the %d-share contract minimum",
				summary.Symbol, summary.TotalShares, SharesPerContract),
		}
	}

	sharesNeeded := contractsNeeded * SharesPerContract
	if summary.AvailableShares >= sharesNeeded {
		return ValidationResult{IsValid: true}
	}

	maxContracts := summary.AvailableShares / SharesPerContract
	if maxContracts == 0 {
		return ValidationResult{
			ErrorMessage: fmt.Sprintf("%s has %d available shares; not enough for a single contract",
				summary.Symbol, summary.AvailableShares),
		}
	}

	return ValidationResult{
		IsValid: true,
		WarningMessage: fmt.Sprintf("%s: requested %d contracts but only %d available shares; reducing to %d contracts",
			summary.Symbol, contractsNeeded, summary.AvailableShares, maxContracts),
		AdjustedContracts: maxContracts,
	}
}

// ValidateExistingShortCalls checks proposed orders against short calls
// already on the book. Over-committing total shares is an error; a duplicate
// (strike, expiration) pair is only a warning.
func ValidateExistingShortCalls(summary *PositionSummary, orders []CoveredCallOrder) ValidationResult {
	committed := summary.SharesCommittedToShortCalls()

	newShares := 0
	for _, order := range orders {
		newShares += order.Quantity * SharesPerContract
	}

	if committed+newShares > summary.TotalShares {
		return ValidationResult{
			ErrorMessage: fmt.Sprintf(
				"%s: existing short calls cover %d shares and new orders need %d more, exceeding %d total shares",
				summary.Symbol, committed, newShares, summary.TotalShares),
		}
	}

	var conflicts []string
	for _, order := range orders {
		for _, existing := range summary.ExistingShortCalls {
			if math.Abs(existing.Strike-order.Strike) <= broker.StrikeMatchEpsilon &&
				broker.SameExpiration(existing.Expiration, order.Expiration) {
				conflicts = append(conflicts, fmt.Sprintf("%s: short call at %.2f expiring %s already exists",
					summary.Symbol, order.Strike, order.Expiration.Format("2006-01-02")))
				break
			}
		}
	}

	return ValidationResult{IsValid: true, WarningMessage: strings.Join(conflicts, "; ")}
}

// ValidateMinimumRequirements gates the tiered strategy: both total and
// available shares must reach the tiering minimum.
func ValidateMinimumRequirements(summary *PositionSummary) ValidationResult {
	if summary.TotalShares < MinimumSharesForTiering {
		return ValidationResult{
			ErrorMessage: fmt.Sprintf("%s: %d total shares is below the %d-share minimum for tiered covered calls",
				summary.Symbol, summary.TotalShares, MinimumSharesForTiering),
		}
	}
	if summary.AvailableShares < MinimumSharesForTiering {
		return ValidationResult{
			ErrorMessage: fmt.Sprintf("%s: %d available shares is below the %d-share minimum for tiered covered calls",
				summary.Symbol, summary.AvailableShares, MinimumSharesForTiering),
		}
	}
	return ValidationResult{IsValid: true}
}
