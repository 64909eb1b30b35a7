package roller

import (
	"errors"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
	"github.com/eddiefleurent/covered_caller/internal/mock"
)

// stubLedger records premium calls and serves a canned summary.
type stubLedger struct {
	summary    *ledger.Summary
	summaryErr error
	recordErr  error

	recordedSymbol    string
	recordedPremium   float64
	recordedStrategy  ledger.StrategyType
	recordedContracts int
	recordCalls       int
}

var _ PremiumLedger = (*stubLedger)(nil)

func (s *stubLedger) GetSummary(string) (*ledger.Summary, error) {
	if s.summaryErr != nil {
		return nil, s.summaryErr
	}
	return s.summary, nil
}

func (s *stubLedger) RecordAdditionalPremium(symbol string, premium float64, strategyType ledger.StrategyType, contracts int) error {
	s.recordCalls++
	s.recordedSymbol = symbol
	s.recordedPremium = premium
	s.recordedStrategy = strategyType
	s.recordedContracts = contracts
	return s.recordErr
}

// fixedEstimator returns the same credit for every roll.
type fixedEstimator struct{ credit float64 }

var _ CreditEstimator = fixedEstimator{}

func (f fixedEstimator) EstimateRollCredit(_, _, _ float64, _, _ time.Time) float64 {
	return f.credit
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestIdentifyExpiringITMCalls(t *testing.T) {
	today := time.Now()

	b := mock.NewBroker()
	b.SetPrice("AAPL", 98)
	b.AddShortCall("AAPL", 95, today, 2)  // ITM: price above strike
	b.AddShortCall("AAPL", 100, today, 1) // OTM
	b.AddShortCall("AAPL", 95, today.AddDate(0, 0, 7), 1)

	r := New(b, nil, nil, quietLogger())
	itm, err := r.IdentifyExpiringITMCalls(today, "AAPL")
	if err != nil {
		t.Fatalf("IdentifyExpiringITMCalls() error: %v", err)
	}

	if len(itm) != 1 {
		t.Fatalf("got %d ITM calls, want 1: %+v", len(itm), itm)
	}
	if itm[0].Strike != 95 {
		t.Errorf("strike = %.2f, want 95", itm[0].Strike)
	}
}

func TestIdentifyExpiringITMCalls_SkipsSymbolWithoutQuote(t *testing.T) {
	today := time.Now()

	b := mock.NewBroker()
	b.SetPrice("AAPL", 98)
	b.AddShortCall("AAPL", 95, today, 2)
	// No price seeded for MSFT; its position must be skipped, not fatal.
	b.AddShortCall("MSFT", 300, today, 1)

	r := New(b, nil, nil, quietLogger())
	itm, err := r.IdentifyExpiringITMCalls(today, "")
	if err != nil {
		t.Fatalf("IdentifyExpiringITMCalls() error: %v", err)
	}
	if len(itm) != 1 || itm[0].Symbol != "AAPL" {
		t.Errorf("itm = %+v, want only the AAPL call", itm)
	}
}

func TestFindBestRollTarget(t *testing.T) {
	b := mock.NewBroker()
	b.SetPrice("AAPL", 98)

	r := New(b, nil, nil, quietLogger())
	call := broker.DetailedPosition{Symbol: "AAPL", Strike: 95, Quantity: -2}

	exp, strike, ok := r.FindBestRollTarget(call, 98)
	if !ok {
		t.Fatal("expected a roll target with generated chains available")
	}
	if exp.Weekday() != time.Friday {
		t.Errorf("target expiration %v is not a Friday", exp)
	}
	days := exp.Sub(time.Now()).Hours() / 24
	if days < 1 || days > 14 {
		t.Errorf("target expiration %v not in the next two weeks (%.1f days)", exp, days)
	}
	// Generated chain has $5 spacing, so 95 itself is the lowest strike at
	// or above the current 95.
	if strike != 95 {
		t.Errorf("strike = %.2f, want 95", strike)
	}
}

// chainRecorder tracks which expirations get a chain lookup.
type chainRecorder struct {
	*mock.Broker
	requested []time.Time
}

func (c *chainRecorder) GetOptionChain(symbol string, expiration time.Time) ([]broker.OptionContract, error) {
	c.requested = append(c.requested, expiration)
	return c.Broker.GetOptionChain(symbol, expiration)
}

func TestFindBestRollTarget_CandidatesLandOnFridays(t *testing.T) {
	inner := mock.NewBroker()
	inner.SetPrice("AAPL", 98)
	b := &chainRecorder{Broker: inner}

	r := New(b, nil, nil, quietLogger())
	// A Tuesday; the first two weekly candidates are the Fridays of the
	// following two weeks.
	r.now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) }

	call := broker.DetailedPosition{Symbol: "AAPL", Strike: 95, Quantity: -2}
	exp, _, ok := r.FindBestRollTarget(call, 98)
	if !ok {
		t.Fatal("expected a roll target")
	}

	want := time.Date(2026, 9, 11, 0, 0, 0, 0, time.UTC)
	if !broker.SameExpiration(exp, want) {
		t.Errorf("target expiration = %v, want %v", exp, want)
	}
	if len(b.requested) == 0 {
		t.Fatal("no chains were requested")
	}
	for _, requested := range b.requested {
		if requested.Weekday() != time.Friday {
			t.Errorf("chain requested for %v, a %v, want Friday", requested, requested.Weekday())
		}
	}
}

func TestFindBestRollTarget_FallsBackToHighestStrike(t *testing.T) {
	b := mock.NewBroker()
	b.SetPrice("AAPL", 98)

	r := New(b, nil, nil, quietLogger())
	// Strike far above anything the chain lists.
	call := broker.DetailedPosition{Symbol: "AAPL", Strike: 500, Quantity: -1}

	_, strike, ok := r.FindBestRollTarget(call, 98)
	if !ok {
		t.Fatal("expected a roll target")
	}
	// Chain covers ten $5 intervals either side of 95, topping out at 145.
	if strike != 145 {
		t.Errorf("strike = %.2f, want the highest listed 145", strike)
	}
}

func TestFindBestRollTarget_NoListedExpirations(t *testing.T) {
	b := mock.NewBroker()
	b.SetPrice("AAPL", 98)

	// Mark every probed Friday as unlisted.
	now := time.Now()
	for weeksOut := 1; weeksOut <= 4; weeksOut++ {
		d := now.AddDate(0, 0, 7*weeksOut)
		friday := d.AddDate(0, 0, (int(time.Friday)-int(d.Weekday())+7)%7)
		b.SetChain("AAPL", friday, nil)
	}

	r := New(b, nil, nil, quietLogger())
	call := broker.DetailedPosition{Symbol: "AAPL", Strike: 95, Quantity: -1}
	if _, _, ok := r.FindBestRollTarget(call, 98); ok {
		t.Error("expected ok=false when no candidate expiration is listed")
	}
}

func TestHeuristicCreditEstimator(t *testing.T) {
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		currentStrike float64
		currentPrice  float64
		targetStrike  float64
		days          int
		want          float64
	}{
		// buyback 3.05, new call OTM so time value only.
		{"roll up out of the money", 95, 98, 100, 14, 0.28 - 3.05},
		// buyback 3.05, new call still ITM: intrinsic 3.00 + 0.28.
		{"roll out at same strike", 95, 98, 95, 14, 3.28 - 3.05},
		// current call OTM, buyback is just the nickel.
		{"roll an OTM call", 105, 98, 110, 30, 0.60 - 0.05},
		// time value capped at 2.00 regardless of days out.
		{"time value cap", 105, 98, 110, 200, 2.00 - 0.05},
	}

	est := HeuristicCreditEstimator{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := now.AddDate(0, 0, tt.days)
			got := est.EstimateRollCredit(tt.currentStrike, tt.currentPrice, tt.targetStrike, exp, now)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EstimateRollCredit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculateRollOpportunities(t *testing.T) {
	today := time.Now()

	b := mock.NewBroker()
	b.SetPrice("AAPL", 98)
	calls := []broker.DetailedPosition{
		{Symbol: "AAPL", Strike: 95, Quantity: -2, Expiration: today, PositionType: broker.PositionTypeShortCall},
	}

	t.Run("positive credit survives", func(t *testing.T) {
		r := New(b, nil, fixedEstimator{credit: 1.50}, quietLogger())
		opportunities := r.CalculateRollOpportunities(calls)
		if len(opportunities) != 1 {
			t.Fatalf("got %d opportunities, want 1", len(opportunities))
		}
		opp := opportunities[0]
		if opp.EstimatedCredit != 1.50 || opp.CurrentPrice != 98 || opp.Symbol != "AAPL" {
			t.Errorf("opportunity = %+v", opp)
		}
		if opp.TargetExpiration.Weekday() != time.Friday {
			t.Errorf("target expiration %v is not a Friday", opp.TargetExpiration)
		}
	})

	t.Run("debit rolls are filtered", func(t *testing.T) {
		r := New(b, nil, fixedEstimator{credit: -0.40}, quietLogger())
		if got := r.CalculateRollOpportunities(calls); len(got) != 0 {
			t.Errorf("got %d opportunities, want none for a net debit", len(got))
		}
	})

	t.Run("missing quote skips the call", func(t *testing.T) {
		noQuote := []broker.DetailedPosition{{Symbol: "TSLA", Strike: 200, Quantity: -1}}
		r := New(b, nil, fixedEstimator{credit: 1.0}, quietLogger())
		if got := r.CalculateRollOpportunities(noQuote); len(got) != 0 {
			t.Errorf("got %d opportunities, want none without a quote", len(got))
		}
	})
}

func rollOpportunity(symbol string, strike float64, qty int, credit float64) RollOpportunity {
	exp := time.Now().AddDate(0, 0, 7)
	return RollOpportunity{
		Symbol: symbol,
		CurrentCall: broker.DetailedPosition{
			Symbol: symbol, Strike: strike, Quantity: qty,
			Expiration: time.Now(), PositionType: broker.PositionTypeShortCall,
		},
		TargetExpiration: exp,
		TargetStrike:     strike + 5,
		EstimatedCredit:  credit,
		CurrentPrice:     98,
	}
}

func TestCreateRollPlan(t *testing.T) {
	t.Run("empty is an error", func(t *testing.T) {
		r := New(mock.NewBroker(), nil, nil, quietLogger())
		if _, err := r.CreateRollPlan("AAPL", nil); err == nil {
			t.Error("expected error for an empty opportunity set")
		}
	})

	t.Run("tracked symbol projects from the ledger", func(t *testing.T) {
		led := &stubLedger{summary: &ledger.Summary{
			Symbol:                     "AAPL",
			OriginalCostBasisPerShare:  95.50,
			CumulativePremiumCollected: 750,
			TotalShares:                300,
		}}
		r := New(mock.NewBroker(), led, nil, quietLogger())

		opportunities := []RollOpportunity{
			rollOpportunity("AAPL", 95, -2, 1.20),
			rollOpportunity("AAPL", 100, -1, 0.80),
		}
		plan, err := r.CreateRollPlan("aapl", opportunities)
		if err != nil {
			t.Fatalf("CreateRollPlan() error: %v", err)
		}

		if plan.Symbol != "AAPL" {
			t.Errorf("Symbol = %q, want AAPL", plan.Symbol)
		}
		if math.Abs(plan.TotalEstimatedCredit-2.0) > 1e-9 {
			t.Errorf("TotalEstimatedCredit = %v, want 2.0", plan.TotalEstimatedCredit)
		}
		if plan.CumulativePremiumCollected != 750 {
			t.Errorf("CumulativePremiumCollected = %v, want 750", plan.CumulativePremiumCollected)
		}
		if plan.OriginalCostBasisPerShare == nil || *plan.OriginalCostBasisPerShare != 95.50 {
			t.Errorf("OriginalCostBasisPerShare = %v, want 95.50", plan.OriginalCostBasisPerShare)
		}

		// 2.00 credit across 300 covered shares.
		wantReduction := 2.0 / 300.0
		if math.Abs(plan.CostBasisImpact-wantReduction) > 1e-9 {
			t.Errorf("CostBasisImpact = %v, want %v", plan.CostBasisImpact, wantReduction)
		}
		wantAfter := 95.50 - 752.0/300.0
		if plan.EffectiveCostBasisAfter == nil || math.Abs(*plan.EffectiveCostBasisAfter-wantAfter) > 1e-9 {
			t.Errorf("EffectiveCostBasisAfter = %v, want %v", plan.EffectiveCostBasisAfter, wantAfter)
		}
		if plan.ReductionPct == nil {
			t.Error("ReductionPct should be populated")
		}
	})

	t.Run("untracked symbol estimates from the price", func(t *testing.T) {
		b := mock.NewBroker()
		b.SetPrice("AAPL", 98)
		r := New(b, nil, nil, quietLogger())

		plan, err := r.CreateRollPlan("AAPL", []RollOpportunity{rollOpportunity("AAPL", 95, -3, 1.50)})
		if err != nil {
			t.Fatalf("CreateRollPlan() error: %v", err)
		}
		if plan.OriginalCostBasisPerShare != nil {
			t.Errorf("OriginalCostBasisPerShare = %v, want nil without a ledger", plan.OriginalCostBasisPerShare)
		}
		wantReduction := 1.50 / 300.0
		if math.Abs(plan.CostBasisImpact-wantReduction) > 1e-9 {
			t.Errorf("CostBasisImpact = %v, want %v", plan.CostBasisImpact, wantReduction)
		}
	})

	t.Run("projection failure falls back to a coarse impact", func(t *testing.T) {
		// No ledger and no quote: the impact projection cannot run.
		r := New(mock.NewBroker(), nil, nil, quietLogger())
		plan, err := r.CreateRollPlan("AAPL", []RollOpportunity{rollOpportunity("AAPL", 95, -2, 1.50)})
		if err != nil {
			t.Fatalf("CreateRollPlan() error: %v", err)
		}
		if math.Abs(plan.CostBasisImpact-0.015) > 1e-9 {
			t.Errorf("CostBasisImpact = %v, want 0.015 fallback", plan.CostBasisImpact)
		}
		if plan.EffectiveCostBasisAfter != nil {
			t.Errorf("EffectiveCostBasisAfter = %v, want nil on fallback", plan.EffectiveCostBasisAfter)
		}
	})
}

func TestExecuteRollPlan(t *testing.T) {
	today := time.Now()

	t.Run("successful roll records premium", func(t *testing.T) {
		b := mock.NewBroker()
		b.SetPrice("AAPL", 98)
		b.AddShortCall("AAPL", 95, today, 2)

		led := &stubLedger{summary: &ledger.Summary{
			Symbol: "AAPL", OriginalCostBasisPerShare: 95.50, TotalShares: 300,
		}}
		r := New(b, led, nil, quietLogger())

		opp := rollOpportunity("AAPL", 95, -2, 1.50)
		opp.CurrentCall.Expiration = today
		plan := &RollPlan{Symbol: "AAPL", Opportunities: []RollOpportunity{opp}, TotalEstimatedCredit: 1.50}

		results := r.ExecuteRollPlan(plan)
		if len(results) != 1 {
			t.Fatalf("got %d results, want 1", len(results))
		}
		res := results[0]
		if res.Result == nil || !res.Result.Success {
			t.Fatalf("roll did not succeed: %+v", res.Result)
		}
		if res.Order.Quantity != 2 || res.Order.Tag != "roll" {
			t.Errorf("order = %+v", res.Order)
		}

		if led.recordCalls != 1 {
			t.Fatalf("RecordAdditionalPremium calls = %d, want 1", led.recordCalls)
		}
		if led.recordedSymbol != "AAPL" || led.recordedStrategy != ledger.StrategyRoll || led.recordedContracts != 2 {
			t.Errorf("recorded %s/%s/%d contracts", led.recordedSymbol, led.recordedStrategy, led.recordedContracts)
		}
		if math.Abs(led.recordedPremium-1.50) > 1e-9 {
			t.Errorf("recorded premium = %v, want the 1.50 fill credit", led.recordedPremium)
		}
	})

	t.Run("broker failure is captured without a ledger write", func(t *testing.T) {
		b := mock.NewBroker()
		b.SetPrice("AAPL", 98)
		b.AddShortCall("AAPL", 95, today, 2)
		b.FailNext(errors.New("exchange reject"))

		led := &stubLedger{}
		r := New(b, led, nil, quietLogger())

		opp := rollOpportunity("AAPL", 95, -2, 1.50)
		plan := &RollPlan{Symbol: "AAPL", Opportunities: []RollOpportunity{opp}, TotalEstimatedCredit: 1.50}

		results := r.ExecuteRollPlan(plan)
		if len(results) != 1 {
			t.Fatalf("got %d results, want 1", len(results))
		}
		res := results[0]
		if res.Result == nil || res.Result.Success {
			t.Fatalf("expected a failed result, got %+v", res.Result)
		}
		if res.Result.ErrorMessage == "" {
			t.Error("ErrorMessage should carry the rejection")
		}
		if led.recordCalls != 0 {
			t.Errorf("RecordAdditionalPremium calls = %d, want 0 after a failed roll", led.recordCalls)
		}
	})

	t.Run("one failure does not stop the rest", func(t *testing.T) {
		b := mock.NewBroker()
		b.SetPrice("AAPL", 98)
		b.AddShortCall("AAPL", 95, today, 1)
		b.AddShortCall("AAPL", 90, today, 1)
		b.FailNext(errors.New("transient"))

		led := &stubLedger{summary: &ledger.Summary{Symbol: "AAPL", OriginalCostBasisPerShare: 95.50}}
		r := New(b, led, nil, quietLogger())

		first := rollOpportunity("AAPL", 95, -1, 0.90)
		first.CurrentCall.Expiration = today
		second := rollOpportunity("AAPL", 90, -1, 1.10)
		second.CurrentCall.Expiration = today
		plan := &RollPlan{Symbol: "AAPL", Opportunities: []RollOpportunity{first, second}, TotalEstimatedCredit: 2.0}

		results := r.ExecuteRollPlan(plan)
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].Result.Success {
			t.Error("first roll should have failed")
		}
		if !results[1].Result.Success {
			t.Errorf("second roll should have succeeded: %+v", results[1].Result)
		}

		// Only the successful roll's credit gets recorded.
		if led.recordCalls != 1 || math.Abs(led.recordedPremium-1.10) > 1e-9 || led.recordedContracts != 1 {
			t.Errorf("recorded calls=%d premium=%v contracts=%d", led.recordCalls, led.recordedPremium, led.recordedContracts)
		}
	})
}
