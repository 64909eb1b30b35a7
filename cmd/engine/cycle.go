package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/calendar"
	"github.com/eddiefleurent/covered_caller/internal/config"
	"github.com/eddiefleurent/covered_caller/internal/dashboard"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
	"github.com/eddiefleurent/covered_caller/internal/orders"
	"github.com/eddiefleurent/covered_caller/internal/planner"
	"github.com/eddiefleurent/covered_caller/internal/positions"
	"github.com/eddiefleurent/covered_caller/internal/roller"
)

// Engine owns one broker session and drives the recurring trading cycle:
// refresh positions, deploy tiered covered calls, and roll expiring calls
// that finished in the money.
type Engine struct {
	config    *config.Config
	broker    broker.Broker
	positions *positions.Service
	planner   *planner.Planner
	roller    *roller.Roller
	executor  *orders.Executor
	ledger    *ledger.Ledger
	calendar  *calendar.Calendar
	dashboard *dashboard.Server
	logger    *log.Logger
}

// Run verifies broker connectivity, then executes cycles on the configured
// interval until the context is canceled. With once set it runs a single
// cycle and returns.
func (e *Engine) Run(ctx context.Context, once bool) error {
	balance, err := e.broker.GetAccountBalance()
	if err != nil {
		return fmt.Errorf("failed to verify broker connection: %w", err)
	}
	e.logger.Printf("Broker connection verified. Account balance: $%.2f", balance)

	e.runCycle(ctx)
	if once {
		return nil
	}

	ticker := time.NewTicker(e.config.GetCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	now := time.Now()

	if !e.calendar.IsTradingDay(now) {
		e.logger.Printf("Market closed today (%s), skipping cycle", now.Format("2006-01-02"))
		return
	}
	if !e.config.IsWithinTradingHours(now) {
		e.logger.Println("Outside trading hours, skipping cycle")
		return
	}

	for _, symbol := range e.config.Symbols() {
		if ctx.Err() != nil {
			return
		}
		e.processSymbol(ctx, symbol)
	}

	if e.config.Strategy.RollEnabled && e.config.IsWithinRollWindow(now) {
		e.runRollPass(ctx, now)
	}
}

// processSymbol runs the deployment half of the cycle for one underlying:
// position summary, tiered plan, order batch, and ledger recording.
func (e *Engine) processSymbol(ctx context.Context, symbol string) {
	summary, err := e.positions.GetPositionSummary(symbol)
	if err != nil {
		e.logger.Printf("%s: failed to get position summary: %v", symbol, err)
		return
	}

	warnings, errs := e.positions.ValidateCostBasisAccuracy(summary)
	for _, w := range warnings {
		e.logger.Printf("%s: cost basis warning: %s", symbol, w)
	}
	for _, msg := range errs {
		e.logger.Printf("%s: cost basis error: %s", symbol, msg)
	}

	plan, err := e.planner.CalculateStrategy(ctx, summary)
	if err != nil {
		e.logger.Printf("%s: no strategy this cycle: %v", symbol, err)
		return
	}
	if e.dashboard != nil {
		e.dashboard.RecordPlan(plan)
	}

	planOrders := plan.Orders()
	if len(planOrders) == 0 {
		e.logger.Printf("%s: plan has no deployable tiers", symbol)
		return
	}
	e.logger.Printf("%s: deploying %d contracts across %d expirations (est. premium $%.2f)",
		symbol, plan.TotalContracts, len(plan.ExpirationGroups), plan.EstimatedPremium)

	batch := e.executor.SubmitBatch(ctx, planOrders, summary, e.config.Strategy.MaxContractsPerExpiration)
	e.logger.Printf("%s: batch result: %d succeeded, %d failed, %d rejected",
		symbol, batch.Summary.SuccessfulOrders, batch.Summary.FailedOrders, batch.Summary.RejectedOrders)

	if batch.Summary.DryRun {
		return
	}
	e.recordDeployment(symbol, summary, batch)
}

// recordDeployment writes the premium from filled covered calls into the
// cost basis ledger.
func (e *Engine) recordDeployment(symbol string, summary *positions.PositionSummary, batch orders.BatchResult) {
	if batch.Summary.SuccessfulOrders == 0 || batch.TotalPremiumCollected <= 0 {
		return
	}

	sharesCovered := 0
	for _, executed := range batch.Successful {
		sharesCovered += executed.Order.Quantity * positions.SharesPerContract
	}
	if sharesCovered <= 0 {
		return
	}

	originalBasis := summary.CurrentPrice
	if summary.AverageCostBasis != nil && *summary.AverageCostBasis > 0 {
		originalBasis = *summary.AverageCostBasis
	}

	impact, err := e.ledger.RecordStrategyImpact(
		symbol, batch.TotalPremiumCollected, sharesCovered, ledger.StrategyInitialCoveredCalls, originalBasis)
	if err != nil {
		e.logger.Printf("%s: failed to record premium in ledger: %v", symbol, err)
		return
	}
	e.logger.Printf("%s: recorded $%.2f premium, cost basis reduced by $%.4f/share",
		symbol, impact.PremiumCollected, impact.CostBasisReductionPerShare)
}

// runRollPass checks every symbol for short calls expiring today that are in
// the money and rolls them out (and up when the chain allows).
func (e *Engine) runRollPass(ctx context.Context, now time.Time) {
	e.logger.Println("Roll window open, scanning for expiring ITM calls")

	for _, symbol := range e.config.Symbols() {
		if ctx.Err() != nil {
			return
		}

		itmCalls, err := e.roller.IdentifyExpiringITMCalls(now, symbol)
		if err != nil {
			e.logger.Printf("%s: failed to scan expiring calls: %v", symbol, err)
			continue
		}
		if len(itmCalls) == 0 {
			continue
		}
		e.logger.Printf("%s: %d expiring ITM call position(s) found", symbol, len(itmCalls))

		opportunities := e.roller.CalculateRollOpportunities(itmCalls)
		if len(opportunities) == 0 {
			e.logger.Printf("%s: no roll targets with positive credit", symbol)
			continue
		}

		plan, err := e.roller.CreateRollPlan(symbol, opportunities)
		if err != nil {
			e.logger.Printf("%s: failed to build roll plan: %v", symbol, err)
			continue
		}
		e.logger.Printf("%s: roll plan with %d roll(s), est. credit $%.2f",
			symbol, len(plan.Opportunities), plan.TotalEstimatedCredit)

		if e.config.Environment.DryRun {
			for _, opp := range plan.Opportunities {
				e.logger.Printf("%s: DRY-RUN roll %s -> %.2f exp %s (est. credit $%.2f)",
					symbol, opp.CurrentCall.OptionSymbol, opp.TargetStrike,
					opp.TargetExpiration.Format("2006-01-02"), opp.EstimatedCredit)
			}
			continue
		}

		results := e.roller.ExecuteRollPlan(plan)
		succeeded := 0
		for _, res := range results {
			if res.Result != nil && res.Result.Success {
				succeeded++
			}
		}
		e.logger.Printf("%s: executed %d/%d rolls", symbol, succeeded, len(results))
	}
}
