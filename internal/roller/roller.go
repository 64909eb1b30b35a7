// Package roller automates rolling of expiring in-the-money covered calls:
// it identifies short calls expiring today with the stock above the strike,
// finds a later expiration and strike to move them to, and executes the
// buy-to-close / sell-to-open pair when the roll nets a credit.
package roller

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
)

// RollOpportunity is one expiring ITM call with a viable replacement.
type RollOpportunity struct {
	Symbol           string                  `json:"symbol"`
	CurrentCall      broker.DetailedPosition `json:"current_call"`
	TargetExpiration time.Time               `json:"target_expiration"`
	TargetStrike     float64                 `json:"target_strike"`
	EstimatedCredit  float64                 `json:"estimated_credit"`
	CurrentPrice     float64                 `json:"current_price"`
}

// RollPlan aggregates the opportunities for one symbol together with the
// projected cost basis impact of executing them all.
type RollPlan struct {
	Symbol                     string            `json:"symbol"`
	CurrentPrice               float64           `json:"current_price"`
	Opportunities              []RollOpportunity `json:"opportunities"`
	TotalEstimatedCredit       float64           `json:"total_estimated_credit"`
	ExecutionTime              time.Time         `json:"execution_time"`
	CumulativePremiumCollected float64           `json:"cumulative_premium_collected"`
	CostBasisImpact            float64           `json:"cost_basis_impact"`
	OriginalCostBasisPerShare  *float64          `json:"original_cost_basis_per_share,omitempty"`
	EffectiveCostBasisAfter    *float64          `json:"effective_cost_basis_after,omitempty"`
	ReductionPct               *float64          `json:"reduction_pct,omitempty"`
}

// RollResult pairs a submitted roll order with its per-leg outcome.
type RollResult struct {
	Order  broker.RollOrder        `json:"order"`
	Result *broker.RollOrderResult `json:"result"`
}

// CreditEstimator prices the net credit of closing the current call and
// opening the replacement. The default heuristic works without quote data;
// swap in a quote-backed implementation for live pricing.
type CreditEstimator interface {
	EstimateRollCredit(currentStrike, currentPrice, targetStrike float64, targetExpiration, now time.Time) float64
}

// HeuristicCreditEstimator models the buyback as intrinsic value plus a
// nickel of residual time premium, and the new call as time value
// (plus intrinsic when in the money) capped at 2.00 per share.
type HeuristicCreditEstimator struct{}

// EstimateRollCredit implements CreditEstimator.
func (HeuristicCreditEstimator) EstimateRollCredit(
	currentStrike, currentPrice, targetStrike float64, targetExpiration, now time.Time,
) float64 {
	intrinsic := currentPrice - currentStrike
	if intrinsic < 0 {
		intrinsic = 0
	}
	buybackCost := intrinsic + 0.05

	days := broker.DaysBetween(now, targetExpiration)
	timeValue := 0.02 * float64(days)
	if timeValue > 2.0 {
		timeValue = 2.0
	}

	var newPremium float64
	if targetStrike > currentPrice {
		newPremium = timeValue
	} else {
		newPremium = (currentPrice - targetStrike) + timeValue
	}

	return newPremium - buybackCost
}

var _ CreditEstimator = HeuristicCreditEstimator{}

// PremiumLedger is the slice of the cost basis ledger the roller needs.
type PremiumLedger interface {
	GetSummary(symbol string) (*ledger.Summary, error)
	RecordAdditionalPremium(symbol string, premium float64, strategyType ledger.StrategyType, contracts int) error
}

var _ PremiumLedger = (*ledger.Ledger)(nil)

const (
	// weeklyLookahead is how many Friday expirations to generate as roll
	// candidates.
	weeklyLookahead = 8
	// probeLimit caps how many candidate expirations get a chain lookup.
	probeLimit = 4
	// enoughExpirations stops probing once this many live expirations exist.
	enoughExpirations = 2
)

// Roller finds and executes covered call rolls.
type Roller struct {
	broker    broker.Broker
	ledger    PremiumLedger
	estimator CreditEstimator
	logger    *log.Logger
	now       func() time.Time
}

// New creates a roller. ledger may be nil when no cost basis tracking is
// wired; estimator nil falls back to the heuristic model.
func New(b broker.Broker, premiumLedger PremiumLedger, estimator CreditEstimator, logger *log.Logger) *Roller {
	if logger == nil {
		logger = log.New(os.Stderr, "roller: ", log.LstdFlags)
	}
	if estimator == nil {
		estimator = HeuristicCreditEstimator{}
	}
	return &Roller{
		broker:    b,
		ledger:    premiumLedger,
		estimator: estimator,
		logger:    logger,
		now:       time.Now,
	}
}

// IdentifyExpiringITMCalls finds short calls expiring on the given date with
// the underlying trading above the strike. An empty symbol scans all
// positions. A failed price lookup skips that symbol; a failed position
// lookup fails the whole scan.
func (r *Roller) IdentifyExpiringITMCalls(expiration time.Time, symbol string) ([]broker.DetailedPosition, error) {
	expiring, err := r.broker.GetExpiringShortCalls(expiration, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching expiring short calls: %w", err)
	}
	r.logger.Printf("Found %d short calls expiring %s", len(expiring), expiration.Format("2006-01-02"))

	bySymbol := make(map[string][]broker.DetailedPosition)
	for _, call := range expiring {
		bySymbol[call.Symbol] = append(bySymbol[call.Symbol], call)
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var itm []broker.DetailedPosition
	for _, s := range symbols {
		price, err := r.broker.GetCurrentPrice(s)
		if err != nil {
			r.logger.Printf("warning: skipping %s, price lookup failed: %v", s, err)
			continue
		}
		for _, call := range bySymbol[s] {
			if price > call.Strike {
				r.logger.Printf("ITM call %s %.2f exp %s (price %.2f, ITM by %.2f)",
					s, call.Strike, call.Expiration.Format("2006-01-02"), price, price-call.Strike)
				itm = append(itm, call)
			}
		}
	}

	r.logger.Printf("Identified %d expiring ITM calls out of %d expiring", len(itm), len(expiring))
	return itm, nil
}

// FindBestRollTarget picks the expiration and strike to roll a call to.
// Candidates are the next 8 weekly Fridays; the first 4 are probed for a
// listed chain, and probing stops once 2 are found. The nearest live
// expiration wins, with the lowest call strike at or above the current
// strike, falling back to the highest listed strike. ok is false when no
// target exists.
func (r *Roller) FindBestRollTarget(call broker.DetailedPosition, currentPrice float64) (expiration time.Time, strike float64, ok bool) {
	today := r.now()

	candidates := make([]time.Time, 0, weeklyLookahead)
	for weeksOut := 1; weeksOut <= weeklyLookahead; weeksOut++ {
		d := today.AddDate(0, 0, 7*weeksOut)
		daysUntilFriday := (int(time.Friday) - int(d.Weekday()) + 7) % 7
		candidates = append(candidates, d.AddDate(0, 0, daysUntilFriday))
	}

	var available []time.Time
	for _, exp := range candidates[:probeLimit] {
		chain, err := r.broker.GetOptionChain(call.Symbol, exp)
		if err != nil || len(chain) == 0 {
			continue
		}
		available = append(available, exp)
		if len(available) >= enoughExpirations {
			break
		}
	}
	if len(available) == 0 {
		r.logger.Printf("No roll expirations available for %s", call.Symbol)
		return time.Time{}, 0, false
	}

	expiration = available[0]
	chain, err := r.broker.GetOptionChain(call.Symbol, expiration)
	if err != nil {
		r.logger.Printf("warning: chain fetch failed for %s exp %s: %v",
			call.Symbol, expiration.Format("2006-01-02"), err)
		return time.Time{}, 0, false
	}

	strikes := broker.CallStrikes(chain)
	if len(strikes) == 0 {
		r.logger.Printf("No call strikes listed for %s exp %s", call.Symbol, expiration.Format("2006-01-02"))
		return time.Time{}, 0, false
	}

	strike = strikes[len(strikes)-1]
	for _, s := range strikes {
		if s >= call.Strike {
			strike = s
			break
		}
	}

	r.logger.Printf("Roll target for %s: %.2f exp %s (from %.2f, %d strikes listed)",
		call.Symbol, strike, expiration.Format("2006-01-02"), call.Strike, len(strikes))
	return expiration, strike, true
}

// EstimateRollCredit estimates the net credit of rolling a call to the target
// contract. Estimation failure is reported as zero credit, which keeps the
// roll out of the plan.
func (r *Roller) EstimateRollCredit(call broker.DetailedPosition, targetExpiration time.Time, targetStrike float64) float64 {
	price, err := r.broker.GetCurrentPrice(call.Symbol)
	if err != nil {
		r.logger.Printf("warning: credit estimate for %s failed, price lookup: %v", call.Symbol, err)
		return 0
	}
	return r.estimator.EstimateRollCredit(call.Strike, price, targetStrike, targetExpiration, r.now())
}

// CalculateRollOpportunities builds the viable roll set from expiring ITM
// calls. Only rolls with a positive estimated credit survive; a failure on
// one call skips it and continues with the rest.
func (r *Roller) CalculateRollOpportunities(expiringCalls []broker.DetailedPosition) []RollOpportunity {
	var opportunities []RollOpportunity

	for _, call := range expiringCalls {
		price, err := r.broker.GetCurrentPrice(call.Symbol)
		if err != nil {
			r.logger.Printf("warning: skipping roll for %s, price lookup failed: %v", call.Symbol, err)
			continue
		}

		targetExpiration, targetStrike, ok := r.FindBestRollTarget(call, price)
		if !ok {
			continue
		}

		credit := r.estimator.EstimateRollCredit(call.Strike, price, targetStrike, targetExpiration, r.now())
		if credit <= 0 {
			r.logger.Printf("No viable roll for %s %.2f: estimated credit %.2f", call.Symbol, call.Strike, credit)
			continue
		}

		opportunities = append(opportunities, RollOpportunity{
			Symbol:           call.Symbol,
			CurrentCall:      call,
			TargetExpiration: targetExpiration,
			TargetStrike:     targetStrike,
			EstimatedCredit:  credit,
			CurrentPrice:     price,
		})
	}

	r.logger.Printf("Found %d viable roll opportunities from %d expiring calls",
		len(opportunities), len(expiringCalls))
	return opportunities
}

// CreateRollPlan assembles a plan for one symbol, including cost basis
// projections from the ledger when it tracks the symbol.
func (r *Roller) CreateRollPlan(symbol string, opportunities []RollOpportunity) (*RollPlan, error) {
	if len(opportunities) == 0 {
		return nil, fmt.Errorf("no roll opportunities for %s", symbol)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	totalCredit := 0.0
	sharesCovered := 0
	for _, opp := range opportunities {
		totalCredit += opp.EstimatedCredit
		sharesCovered += absInt(opp.CurrentCall.Quantity) * 100
	}

	plan := &RollPlan{
		Symbol:               symbol,
		CurrentPrice:         opportunities[0].CurrentPrice,
		Opportunities:        opportunities,
		TotalEstimatedCredit: totalCredit,
		ExecutionTime:        r.now().UTC(),
	}

	if r.ledger != nil {
		if summary, err := r.ledger.GetSummary(symbol); err == nil {
			plan.CumulativePremiumCollected = summary.CumulativePremiumCollected
			plan.OriginalCostBasisPerShare = &summary.OriginalCostBasisPerShare
		} else if !errors.Is(err, ledger.ErrNotFound) {
			r.logger.Printf("warning: cost basis lookup failed for %s: %v", symbol, err)
		}
	}

	reduction, effectiveAfter, pct, err := r.costBasisImpact(symbol, totalCredit, sharesCovered)
	if err != nil {
		r.logger.Printf("warning: could not project cost basis impact for %s: %v", symbol, err)
		plan.CostBasisImpact = totalCredit / 100.0
	} else {
		plan.CostBasisImpact = reduction
		plan.EffectiveCostBasisAfter = &effectiveAfter
		plan.ReductionPct = &pct
	}

	return plan, nil
}

// costBasisImpact projects the per-share reduction, effective basis, and
// percentage reduction of collecting additionalPremium across sharesCovered.
// Untracked symbols fall back to the current price as the basis estimate.
func (r *Roller) costBasisImpact(symbol string, additionalPremium float64, sharesCovered int) (float64, float64, float64, error) {
	if additionalPremium < 0 {
		return 0, 0, 0, fmt.Errorf("additional premium cannot be negative: %.4f", additionalPremium)
	}
	if sharesCovered <= 0 {
		return 0, 0, 0, fmt.Errorf("shares covered must be positive, got %d", sharesCovered)
	}

	var originalBasis, currentPremium float64
	if r.ledger != nil {
		if summary, err := r.ledger.GetSummary(symbol); err == nil {
			originalBasis = summary.OriginalCostBasisPerShare
			currentPremium = summary.CumulativePremiumCollected
		}
	}
	if originalBasis <= 0 {
		price, err := r.broker.GetCurrentPrice(symbol)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("no cost basis for %s and price estimate failed: %w", symbol, err)
		}
		r.logger.Printf("warning: no cost basis data for %s, estimating with current price %.2f", symbol, price)
		originalBasis = price
		currentPremium = 0
	}

	effectiveAfter, err := ledger.EffectiveCostBasis(originalBasis, currentPremium+additionalPremium, sharesCovered)
	if err != nil {
		return 0, 0, 0, err
	}

	reduction := additionalPremium / float64(sharesCovered)
	pct := reduction / originalBasis * 100
	return reduction, effectiveAfter, pct, nil
}

// ExecuteRollPlan submits every roll in the plan. Each roll is independent;
// a failure is captured in its result and the rest still run. Premium from
// successful rolls is recorded in the ledger afterwards, and a ledger failure
// only logs a warning since the orders are already live.
func (r *Roller) ExecuteRollPlan(plan *RollPlan) []RollResult {
	r.logger.Printf("Executing roll plan for %s: %d rolls, estimated credit %.2f",
		plan.Symbol, len(plan.Opportunities), plan.TotalEstimatedCredit)

	results := make([]RollResult, 0, len(plan.Opportunities))
	for _, opp := range plan.Opportunities {
		order := broker.RollOrder{
			Symbol:          opp.Symbol,
			CloseStrike:     opp.CurrentCall.Strike,
			CloseExpiration: opp.CurrentCall.Expiration,
			NewStrike:       opp.TargetStrike,
			NewExpiration:   opp.TargetExpiration,
			Quantity:        absInt(opp.CurrentCall.Quantity),
			EstimatedCredit: opp.EstimatedCredit,
			Tag:             "roll",
		}

		result, err := r.broker.SubmitRollOrder(order)
		if err != nil {
			r.logger.Printf("Roll submission failed for %s %.2f -> %.2f: %v",
				order.Symbol, order.CloseStrike, order.NewStrike, err)
			result = &broker.RollOrderResult{ErrorMessage: err.Error()}
		} else if result.Success {
			r.logger.Printf("Rolled %s %.2f -> %.2f exp %s, credit %.2f",
				order.Symbol, order.CloseStrike, order.NewStrike,
				order.NewExpiration.Format("2006-01-02"), result.ActualCredit)
		} else {
			r.logger.Printf("Roll failed for %s %.2f -> %.2f: %s",
				order.Symbol, order.CloseStrike, order.NewStrike, result.ErrorMessage)
		}
		results = append(results, RollResult{Order: order, Result: result})
	}

	successful := 0
	successfulContracts := 0
	totalCredit := 0.0
	for _, res := range results {
		if res.Result != nil && res.Result.Success {
			successful++
			successfulContracts += res.Order.Quantity
			totalCredit += res.Result.ActualCredit
		}
	}

	if r.ledger != nil && successful > 0 && totalCredit > 0 {
		err := r.ledger.RecordAdditionalPremium(plan.Symbol, totalCredit, ledger.StrategyRoll, successfulContracts)
		if err != nil {
			r.logger.Printf("warning: could not record roll premium for %s: %v", plan.Symbol, err)
		} else {
			r.logger.Printf("Recorded %.2f roll premium for %s across %d contracts",
				totalCredit, plan.Symbol, successfulContracts)
		}
	}

	r.logger.Printf("Roll plan complete for %s: %d/%d successful, credit %.2f",
		plan.Symbol, successful, len(results), totalCredit)
	return results
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
