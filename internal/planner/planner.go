// Package planner builds tiered covered-call plans: three expirations,
// incrementally higher strikes, and shares split into 100-share tranches.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
	"github.com/eddiefleurent/covered_caller/internal/positions"
)

// Config holds the tiering parameters.
type Config struct {
	MinDaysToExpiration int     // lower bound of the expiration window
	MaxDaysToExpiration int     // upper bound of the expiration window
	NumTiers            int     // number of expiration tiers
	MaxCandidates       int     // expirations probed for a usable call chain
	NearMoneyRatio      float64 // fallback strike floor as a fraction of price
}

// DefaultConfig mirrors the standard 7-60 day, three-tier setup.
var DefaultConfig = Config{
	MinDaysToExpiration: 7,
	MaxDaysToExpiration: 60,
	NumTiers:            3,
	MaxCandidates:       5,
	NearMoneyRatio:      0.98,
}

// ExpirationGroup is one (expiration, strike, contracts) tier.
type ExpirationGroup struct {
	ExpirationDate              time.Time `json:"expiration_date"`
	StrikePrice                 float64   `json:"strike_price"`
	NumContracts                int       `json:"num_contracts"`
	SharesUsed                  int       `json:"shares_used"`
	EstimatedPremiumPerContract float64   `json:"estimated_premium_per_contract"`
	DaysToExpiration            int       `json:"days_to_expiration"`
}

// TieredPlan is the planner output. Cost basis impact fields stay nil when
// the impact could not be computed; that degrades the plan, it does not fail it.
type TieredPlan struct {
	ID               string            `json:"id"`
	Symbol           string            `json:"symbol"`
	CurrentPrice     float64           `json:"current_price"`
	TotalShares      int               `json:"total_shares"`
	ExpirationGroups []ExpirationGroup `json:"expiration_groups"`
	TotalContracts   int               `json:"total_contracts"`
	EstimatedPremium float64           `json:"estimated_premium"`
	Warnings         []string          `json:"warnings,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`

	OriginalCostBasis       *float64 `json:"original_cost_basis,omitempty"`
	EffectiveCostBasisAfter *float64 `json:"effective_cost_basis_after,omitempty"`
	ReductionPerShare       *float64 `json:"reduction_per_share,omitempty"`
	ReductionPct            *float64 `json:"reduction_pct,omitempty"`
}

// Orders converts the plan tiers into covered-call orders.
func (p *TieredPlan) Orders() []positions.CoveredCallOrder {
	orders := make([]positions.CoveredCallOrder, 0, len(p.ExpirationGroups))
	for _, group := range p.ExpirationGroups {
		orders = append(orders, positions.CoveredCallOrder{
			Symbol:           p.Symbol,
			Strike:           group.StrikePrice,
			Expiration:       group.ExpirationDate,
			Quantity:         group.NumContracts,
			UnderlyingShares: group.SharesUsed,
		})
	}
	return orders
}

// Planner builds tiered covered-call plans from position summaries.
type Planner struct {
	broker    broker.Broker
	costBasis positions.CostBasisSource
	estimator PremiumEstimator
	logger    *log.Logger
	config    Config
	now       func() time.Time
}

// New creates a planner. costBasis may be nil; estimator defaults to the
// built-in heuristic when nil.
func New(b broker.Broker, costBasis positions.CostBasisSource, estimator PremiumEstimator,
	logger *log.Logger, config ...Config) *Planner {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.NumTiers <= 0 {
		cfg.NumTiers = DefaultConfig.NumTiers
	}
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "planner: ", log.LstdFlags)
	}
	return &Planner{
		broker:    b,
		costBasis: costBasis,
		estimator: estimator,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
	}
}

// DivideSharesIntoGroups splits available shares into numGroups tranches of
// whole 100-share blocks, giving every leftover block to the first
// (nearest-expiration) group. 850 shares over 3 groups yields [400 200 200].
func DivideSharesIntoGroups(availableShares, numGroups int) ([]int, error) {
	if numGroups <= 0 {
		return nil, fmt.Errorf("number of groups must be positive, got %d", numGroups)
	}
	if availableShares < positions.SharesPerContract {
		return nil, fmt.Errorf("%d shares is below the %d-share contract minimum",
			availableShares, positions.SharesPerContract)
	}

	usable := (availableShares / positions.SharesPerContract) * positions.SharesPerContract

	groups := make([]int, numGroups)
	perGroup := usable / numGroups
	if usable%numGroups == 0 && perGroup%positions.SharesPerContract == 0 {
		for i := range groups {
			groups[i] = perGroup
		}
		return groups, nil
	}

	perGroup = (perGroup / positions.SharesPerContract) * positions.SharesPerContract
	if perGroup == 0 {
		// Too few blocks to spread; front-load everything.
		groups[0] = usable
		return groups, nil
	}
	for i := range groups {
		groups[i] = perGroup
	}
	leftover := usable - perGroup*numGroups
	groups[0] += (leftover / positions.SharesPerContract) * positions.SharesPerContract
	return groups, nil
}

// CalculateIncrementalStrikes picks one call strike per expiration, strictly
// increasing across tiers when the chains allow it. Returned warnings record
// every fallback taken.
func CalculateIncrementalStrikes(price float64, expirations []time.Time,
	chains map[time.Time][]broker.OptionContract, nearMoneyRatio float64) ([]float64, []string, error) {
	if nearMoneyRatio <= 0 {
		nearMoneyRatio = DefaultConfig.NearMoneyRatio
	}

	strikes := make([]float64, 0, len(expirations))
	var warnings []string

	for i, exp := range expirations {
		available := broker.CallStrikes(chains[exp])
		if len(available) == 0 {
			return nil, warnings, fmt.Errorf("no call strikes for expiration %s", exp.Format("2006-01-02"))
		}

		candidates := filterStrikes(available, func(s float64) bool { return s > price })
		if len(candidates) == 0 {
			candidates = filterStrikes(available, func(s float64) bool { return s >= price*nearMoneyRatio })
			if len(candidates) > 0 {
				warnings = append(warnings, fmt.Sprintf(
					"expiration %s: no strikes above %.2f, using near-the-money strikes",
					exp.Format("2006-01-02"), price))
			}
		}
		if len(candidates) == 0 {
			n := 3
			if len(available) < n {
				n = len(available)
			}
			candidates = available[len(available)-n:]
			warnings = append(warnings, fmt.Sprintf(
				"expiration %s: no strikes near %.2f, falling back to the %d highest",
				exp.Format("2006-01-02"), price, n))
		}

		if i == 0 {
			strikes = append(strikes, candidates[0])
			continue
		}

		prev := strikes[i-1]
		next, ok := firstAbove(candidates, prev)
		if !ok {
			next = candidates[len(candidates)-1]
			warnings = append(warnings, fmt.Sprintf(
				"expiration %s: no strike above %.2f, using highest available %.2f",
				exp.Format("2006-01-02"), prev, next))
		}
		strikes = append(strikes, next)
	}

	return strikes, warnings, nil
}

func filterStrikes(strikes []float64, keep func(float64) bool) []float64 {
	var out []float64
	for _, s := range strikes {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func firstAbove(sorted []float64, floor float64) (float64, bool) {
	for _, s := range sorted {
		if s > floor {
			return s, true
		}
	}
	return 0, false
}

// ValidateAndAdjustContracts scales requested per-group contract counts down
// so their total never exceeds what available shares can cover. When fewer
// than 100 shares are available every group drops to zero.
func ValidateAndAdjustContracts(requested []int, availableShares int) ([]int, string) {
	totalRequested := 0
	for _, q := range requested {
		totalRequested += q
	}
	if totalRequested*positions.SharesPerContract <= availableShares {
		return append([]int(nil), requested...), ""
	}

	maxContracts := availableShares / positions.SharesPerContract
	adjusted := make([]int, len(requested))
	if maxContracts == 0 {
		return adjusted, fmt.Sprintf("only %d shares available; no contracts can be written", availableShares)
	}

	allocated := 0
	for i, q := range requested {
		if i == len(requested)-1 {
			adjusted[i] = maxContracts - allocated
			break
		}
		adjusted[i] = q * maxContracts / totalRequested
		allocated += adjusted[i]
	}

	// Trim from the back if rounding still overshoots the share pool.
	total := 0
	for _, q := range adjusted {
		total += q
	}
	for i := len(adjusted) - 1; i >= 0 && total*positions.SharesPerContract > availableShares; {
		if adjusted[i] > 0 {
			adjusted[i]--
			total--
		} else {
			i--
		}
	}

	warning := fmt.Sprintf("requested %d contracts but only %d shares available; adjusted to %d contracts",
		totalRequested, availableShares, total)
	return adjusted, warning
}

// CalculateStrategy builds the tiered plan for a position summary.
func (p *Planner) CalculateStrategy(ctx context.Context, summary *positions.PositionSummary) (*TieredPlan, error) {
	if result := positions.ValidateMinimumRequirements(summary); !result.IsValid {
		return nil, errors.New(result.ErrorMessage)
	}
	if result := positions.ValidateSufficientShares(summary, 1); !result.IsValid {
		return nil, errors.New(result.ErrorMessage)
	}

	expirations, err := p.findNextExpirations(summary.Symbol)
	if err != nil {
		return nil, err
	}

	chains, err := p.broker.GetOptionChains(ctx, summary.Symbol, expirations)
	if err != nil {
		return nil, fmt.Errorf("fetching chains for %s: %w", summary.Symbol, err)
	}

	strikes, warnings, err := CalculateIncrementalStrikes(
		summary.CurrentPrice, expirations, chains, p.config.NearMoneyRatio)
	if err != nil {
		return nil, err
	}

	shareGroups, err := DivideSharesIntoGroups(summary.AvailableShares, len(expirations))
	if err != nil {
		return nil, err
	}

	requested := make([]int, len(shareGroups))
	for i, shares := range shareGroups {
		requested[i] = shares / positions.SharesPerContract
	}
	adjusted, adjustWarning := ValidateAndAdjustContracts(requested, summary.AvailableShares)
	if adjustWarning != "" {
		warnings = append(warnings, adjustWarning)
	}

	now := p.now().UTC()
	plan := &TieredPlan{
		ID:           uuid.NewString(),
		Symbol:       summary.Symbol,
		CurrentPrice: summary.CurrentPrice,
		TotalShares:  summary.AvailableShares,
		CreatedAt:    now,
	}
	for i, exp := range expirations {
		if adjusted[i] <= 0 {
			continue
		}
		contracts := adjusted[i]
		plan.ExpirationGroups = append(plan.ExpirationGroups, ExpirationGroup{
			ExpirationDate:              exp,
			StrikePrice:                 strikes[i],
			NumContracts:                contracts,
			SharesUsed:                  contracts * positions.SharesPerContract,
			EstimatedPremiumPerContract: p.estimator.EstimatePremium(strikes[i], summary.CurrentPrice, exp, now),
			DaysToExpiration:            broker.DaysBetween(now, exp),
		})
	}
	if len(plan.ExpirationGroups) == 0 {
		return nil, fmt.Errorf("no expiration group received enough shares for a contract")
	}

	for _, group := range plan.ExpirationGroups {
		plan.TotalContracts += group.NumContracts
		plan.EstimatedPremium += group.EstimatedPremiumPerContract * float64(group.NumContracts)
	}

	if result := positions.ValidateExistingShortCalls(summary, plan.Orders()); !result.IsValid {
		return nil, errors.New(result.ErrorMessage)
	} else if result.WarningMessage != "" {
		warnings = append(warnings, result.WarningMessage)
	}

	if err := p.validateNoSyntheticStrikes(ctx, plan); err != nil {
		return nil, err
	}

	plan.Warnings = warnings
	p.fillCostBasisImpact(plan, summary)
	return plan, nil
}

// findNextExpirations selects up to NumTiers expirations inside the
// configured window, probing candidates until enough have a usable call chain.
func (p *Planner) findNextExpirations(symbol string) ([]time.Time, error) {
	all, err := p.broker.GetOptionExpirations(symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching expirations for %s: %w", symbol, err)
	}

	today := p.now().UTC().Truncate(24 * time.Hour)
	windowStart := today.AddDate(0, 0, p.config.MinDaysToExpiration)
	windowEnd := today.AddDate(0, 0, p.config.MaxDaysToExpiration)

	var candidates []time.Time
	for _, exp := range all {
		if exp.Before(windowStart) || exp.After(windowEnd) {
			continue
		}
		candidates = append(candidates, exp)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no expirations for %s within %d-%d days",
			symbol, p.config.MinDaysToExpiration, p.config.MaxDaysToExpiration)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	maxProbe := p.config.MaxCandidates
	if maxProbe <= 0 || maxProbe > len(candidates) {
		maxProbe = len(candidates)
	}

	var valid []time.Time
	for _, exp := range candidates[:maxProbe] {
		if len(valid) == p.config.NumTiers {
			break
		}
		chain, err := p.broker.GetOptionChain(symbol, exp)
		if err != nil {
			p.logger.Printf("warning: chain probe failed for %s %s: %v", symbol, exp.Format("2006-01-02"), err)
			continue
		}
		if len(broker.CallStrikes(chain)) == 0 {
			p.logger.Printf("warning: %s %s has no call options, skipping", symbol, exp.Format("2006-01-02"))
			continue
		}
		valid = append(valid, exp)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no expirations with usable call chains for %s", symbol)
	}
	return valid, nil
}

// validateNoSyntheticStrikes re-fetches each tier's live chain and confirms
// every proposed strike actually exists. Any mismatch aborts the plan.
func (p *Planner) validateNoSyntheticStrikes(ctx context.Context, plan *TieredPlan) error {
	expirations := make([]time.Time, 0, len(plan.ExpirationGroups))
	for _, group := range plan.ExpirationGroups {
		expirations = append(expirations, group.ExpirationDate)
	}

	chains, err := p.broker.GetOptionChains(ctx, plan.Symbol, expirations)
	if err != nil {
		return fmt.Errorf("re-validating strikes for %s: %w", plan.Symbol, err)
	}

	for _, group := range plan.ExpirationGroups {
		if !broker.HasCallStrike(chains[group.ExpirationDate], group.StrikePrice) {
			return fmt.Errorf("strike %.2f is not listed for %s expiring %s",
				group.StrikePrice, plan.Symbol, group.ExpirationDate.Format("2006-01-02"))
		}
	}
	return nil
}

// fillCostBasisImpact estimates the post-plan effective cost basis. Failures
// leave the impact fields unset with a warning log.
func (p *Planner) fillCostBasisImpact(plan *TieredPlan, summary *positions.PositionSummary) {
	original := 0.0
	switch {
	case summary.AverageCostBasis != nil && *summary.AverageCostBasis > 0:
		original = *summary.AverageCostBasis
	case p.costBasis != nil:
		if ls, err := p.costBasis.GetSummary(plan.Symbol); err == nil {
			original = ls.OriginalCostBasisPerShare
		} else if !errors.Is(err, ledger.ErrNotFound) {
			p.logger.Printf("warning: cost basis lookup failed for %s: %v", plan.Symbol, err)
		}
	}
	if original <= 0 {
		original = summary.CurrentPrice
	}
	if original <= 0 || summary.TotalShares <= 0 {
		p.logger.Printf("warning: cannot compute cost basis impact for %s", plan.Symbol)
		return
	}

	existingPremium := 0.0
	if summary.CumulativePremiumCollected != nil {
		existingPremium = *summary.CumulativePremiumCollected
	} else if p.costBasis != nil {
		if premium, err := p.costBasis.CumulativePremium(plan.Symbol); err == nil {
			existingPremium = premium
		}
	}

	effective, err := ledger.EffectiveCostBasis(original, existingPremium+plan.EstimatedPremium, summary.TotalShares)
	if err != nil {
		p.logger.Printf("warning: cost basis impact failed for %s: %v", plan.Symbol, err)
		return
	}

	reduction := plan.EstimatedPremium / float64(summary.TotalShares)
	pct := reduction / original * 100
	plan.OriginalCostBasis = &original
	plan.EffectiveCostBasisAfter = &effective
	plan.ReductionPerShare = &reduction
	plan.ReductionPct = &pct
}
