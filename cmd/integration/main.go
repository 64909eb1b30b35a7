// integration - End-to-end smoke run for the covered call engine.
//
// With -config it runs read-only checks against the Tradier sandbox; without
// it, everything runs against the in-process mock broker. No live orders are
// ever submitted: execution checks always go through a dry-run executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/config"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
	"github.com/eddiefleurent/covered_caller/internal/mock"
	"github.com/eddiefleurent/covered_caller/internal/orders"
	"github.com/eddiefleurent/covered_caller/internal/planner"
	"github.com/eddiefleurent/covered_caller/internal/positions"
	"github.com/eddiefleurent/covered_caller/internal/roller"
)

const testSymbol = "AAPL"

func main() {
	configPath := flag.String("config", "", "Config file for sandbox checks (omit to use the mock broker)")
	flag.Parse()

	fmt.Println("=== Covered Call Engine - End-to-End Integration Test ===")
	fmt.Println()

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)

	var b broker.Broker
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if !cfg.IsSandbox() {
			log.Fatalf("Integration tests must run in sandbox mode. Set environment.mode: 'sandbox' in %s", *configPath)
		}
		b = broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, true)
		logger.Println("Using Tradier sandbox broker")
	} else {
		b = seededMockBroker()
		logger.Println("Using in-process mock broker")
	}

	led, err := ledger.New(ledger.NewJSONStore("data/ledger_integration_test.json"), logger)
	if err != nil {
		log.Fatalf("Failed to create ledger: %v", err)
	}
	defer func() {
		if err := os.Remove("data/ledger_integration_test.json"); err != nil && !os.IsNotExist(err) {
			logger.Printf("Warning: failed to clean up test ledger file: %v", err)
		}
	}()

	runChecks(b, led, logger)
}

func seededMockBroker() *mock.Broker {
	m := mock.NewBroker()
	m.SetPrice(testSymbol, 100.0)
	m.SetStockPosition(testSymbol, 600, 95.50)
	return m
}

func runChecks(b broker.Broker, led *ledger.Ledger, logger *log.Logger) {
	checks := []struct {
		name string
		fn   func(broker.Broker, *ledger.Ledger, *log.Logger) bool
	}{
		{"Broker Connectivity", checkConnectivity},
		{"Market Data Retrieval", checkMarketData},
		{"Position Summary", checkPositionSummary},
		{"Tiered Strategy Plan", checkPlanning},
		{"Dry-Run Order Execution", checkDryRunExecution},
		{"Roll Opportunity Scan", checkRollScan},
	}

	passed := 0
	for i, check := range checks {
		fmt.Printf("Test %d: %s\n", i+1, check.name)
		if check.fn(b, led, logger) {
			passed++
			fmt.Println("PASSED")
		} else {
			fmt.Println("FAILED")
		}
		fmt.Println()
	}

	fmt.Println("=== Integration Test Results ===")
	fmt.Printf("Tests Passed: %d/%d\n", passed, len(checks))
	if passed != len(checks) {
		fmt.Printf("%d test(s) failed - review issues before running the engine\n", len(checks)-passed)
		os.Exit(1)
	}
	fmt.Println("ALL TESTS PASSED - engine components are wired correctly")
}

func checkConnectivity(b broker.Broker, _ *ledger.Ledger, logger *log.Logger) bool {
	balance, err := b.GetAccountBalance()
	if err != nil {
		logger.Printf("Broker connectivity failed: %v", err)
		return false
	}
	logger.Printf("Account balance: $%.2f", balance)
	return balance > 0
}

func checkMarketData(b broker.Broker, _ *ledger.Ledger, logger *log.Logger) bool {
	price, err := b.GetCurrentPrice(testSymbol)
	if err != nil {
		logger.Printf("Failed to get %s price: %v", testSymbol, err)
		return false
	}
	logger.Printf("%s last: $%.2f", testSymbol, price)

	expirations, err := b.GetOptionExpirations(testSymbol)
	if err != nil {
		logger.Printf("Failed to get expirations: %v", err)
		return false
	}
	logger.Printf("Found %d expirations", len(expirations))
	if len(expirations) == 0 {
		return false
	}

	chain, err := b.GetOptionChain(testSymbol, expirations[0])
	if err != nil {
		logger.Printf("Failed to get option chain: %v", err)
		return false
	}
	logger.Printf("Found %d contracts for %s, %d call strikes",
		len(chain), expirations[0].Format("2006-01-02"), len(broker.CallStrikes(chain)))
	return len(chain) > 0
}

func checkPositionSummary(b broker.Broker, led *ledger.Ledger, logger *log.Logger) bool {
	svc := positions.NewService(b, led, logger)
	summary, err := svc.GetPositionSummary(testSymbol)
	if err != nil {
		logger.Printf("Failed to get position summary: %v", err)
		return false
	}
	logger.Printf("%s: %d shares total, %d available, %d existing short calls",
		summary.Symbol, summary.TotalShares, summary.AvailableShares, len(summary.ExistingShortCalls))
	return summary.Symbol == testSymbol
}

func checkPlanning(b broker.Broker, led *ledger.Ledger, logger *log.Logger) bool {
	svc := positions.NewService(b, led, logger)
	summary, err := svc.GetPositionSummary(testSymbol)
	if err != nil {
		logger.Printf("Failed to get position summary: %v", err)
		return false
	}
	if summary.AvailableShares < positions.SharesPerContract {
		// A sandbox account may legitimately hold no shares.
		logger.Printf("Fewer than %d available shares, skipping plan evaluation", positions.SharesPerContract)
		return true
	}

	p := planner.New(b, led, planner.HeuristicEstimator{}, logger)
	plan, err := p.CalculateStrategy(context.Background(), summary)
	if err != nil {
		logger.Printf("Failed to build plan: %v", err)
		return false
	}
	logger.Printf("Plan %s: %d contracts in %d tiers, est. premium $%.2f",
		plan.ID, plan.TotalContracts, len(plan.ExpirationGroups), plan.EstimatedPremium)
	return plan.TotalContracts > 0
}

func checkDryRunExecution(b broker.Broker, led *ledger.Ledger, logger *log.Logger) bool {
	svc := positions.NewService(b, led, logger)
	summary, err := svc.GetPositionSummary(testSymbol)
	if err != nil {
		logger.Printf("Failed to get position summary: %v", err)
		return false
	}
	if summary.AvailableShares < positions.SharesPerContract {
		logger.Println("No deployable shares, skipping dry-run execution")
		return true
	}

	order := positions.CoveredCallOrder{
		Symbol:           testSymbol,
		Strike:           summary.CurrentPrice + 5,
		Expiration:       time.Now().AddDate(0, 0, 14),
		Quantity:         1,
		UnderlyingShares: positions.SharesPerContract,
	}
	executor := orders.NewExecutor(b, logger, true)
	batch := executor.SubmitBatch(context.Background(), []positions.CoveredCallOrder{order}, summary,
		orders.DefaultMaxContractsPerExpiration)
	logger.Printf("Dry-run batch: %d succeeded, %d failed", len(batch.Successful), len(batch.Failed))
	return batch.Summary.DryRun && batch.Summary.SuccessfulOrders == 1
}

func checkRollScan(b broker.Broker, led *ledger.Ledger, logger *log.Logger) bool {
	r := roller.New(b, led, nil, logger)
	itmCalls, err := r.IdentifyExpiringITMCalls(time.Now(), testSymbol)
	if err != nil {
		logger.Printf("Failed to scan expiring calls: %v", err)
		return false
	}
	logger.Printf("Found %d expiring ITM call position(s)", len(itmCalls))

	opportunities := r.CalculateRollOpportunities(itmCalls)
	logger.Printf("Found %d roll opportunity(ies) with positive credit", len(opportunities))
	// Scan succeeding is the check; an empty result is a valid outcome.
	return true
}
