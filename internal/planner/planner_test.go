package planner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/mock"
	"github.com/eddiefleurent/covered_caller/internal/positions"
)

func TestDivideSharesIntoGroups(t *testing.T) {
	tests := []struct {
		name    string
		shares  int
		groups  int
		want    []int
		wantErr bool
	}{
		{"even split", 600, 3, []int{200, 200, 200}, false},
		{"uneven blocks front-loaded", 850, 3, []int{400, 200, 200}, false},
		{"minimum per group", 300, 3, []int{100, 100, 100}, false},
		{"single block front-loads", 100, 3, []int{100, 0, 0}, false},
		{"one group takes everything", 450, 1, []int{400}, false},
		{"below contract minimum", 50, 3, nil, true},
		{"zero groups", 600, 0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DivideSharesIntoGroups(tt.shares, tt.groups)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DivideSharesIntoGroups() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("group[%d] = %d, want %d (full: %v)", i, got[i], tt.want[i], got)
				}
			}
		})
	}
}

func chainWithCalls(exp time.Time, strikes ...float64) []broker.OptionContract {
	chain := make([]broker.OptionContract, 0, len(strikes))
	for _, s := range strikes {
		chain = append(chain, broker.OptionContract{
			OptionType: broker.OptionTypeCall, Strike: s, Expiration: exp,
		})
	}
	return chain
}

func TestCalculateIncrementalStrikes(t *testing.T) {
	exp1 := time.Date(2025, 7, 18, 0, 0, 0, 0, time.UTC)
	exp2 := exp1.AddDate(0, 0, 7)
	exp3 := exp1.AddDate(0, 0, 14)
	expirations := []time.Time{exp1, exp2, exp3}

	t.Run("strictly increasing above price", func(t *testing.T) {
		chains := map[time.Time][]broker.OptionContract{
			exp1: chainWithCalls(exp1, 95, 100, 105, 110),
			exp2: chainWithCalls(exp2, 95, 100, 105, 110),
			exp3: chainWithCalls(exp3, 95, 100, 105, 110),
		}
		strikes, warnings, err := CalculateIncrementalStrikes(102, expirations, chains, 0.98)
		if err != nil {
			t.Fatalf("error: %v", err)
		}
		want := []float64{105, 110, 110}
		for i := range want {
			if strikes[i] != want[i] {
				t.Errorf("strikes = %v, want %v", strikes, want)
				break
			}
		}
		// Third tier could not exceed the second; that fallback is recorded.
		if len(warnings) != 1 || !strings.Contains(warnings[0], "no strike above") {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("near the money fallback", func(t *testing.T) {
		chains := map[time.Time][]broker.OptionContract{
			exp1: chainWithCalls(exp1, 98, 99, 100),
		}
		strikes, warnings, err := CalculateIncrementalStrikes(100, []time.Time{exp1}, chains, 0.98)
		if err != nil {
			t.Fatalf("error: %v", err)
		}
		if strikes[0] != 98 {
			t.Errorf("strike = %v, want 98 (lowest near-the-money)", strikes[0])
		}
		if len(warnings) != 1 || !strings.Contains(warnings[0], "near-the-money") {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("deep ITM falls back to highest strikes", func(t *testing.T) {
		chains := map[time.Time][]broker.OptionContract{
			exp1: chainWithCalls(exp1, 50, 55, 60, 65),
		}
		strikes, warnings, err := CalculateIncrementalStrikes(100, []time.Time{exp1}, chains, 0.98)
		if err != nil {
			t.Fatalf("error: %v", err)
		}
		if strikes[0] != 55 {
			t.Errorf("strike = %v, want 55 (first of highest 3)", strikes[0])
		}
		if len(warnings) != 1 || !strings.Contains(warnings[0], "highest") {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("empty chain is an error", func(t *testing.T) {
		chains := map[time.Time][]broker.OptionContract{exp1: nil}
		if _, _, err := CalculateIncrementalStrikes(100, []time.Time{exp1}, chains, 0.98); err == nil {
			t.Error("expected error for a chain with no calls")
		}
	})
}

func TestValidateAndAdjustContracts(t *testing.T) {
	t.Run("fits unchanged", func(t *testing.T) {
		adjusted, warning := ValidateAndAdjustContracts([]int{3, 2, 1}, 600)
		if warning != "" {
			t.Errorf("unexpected warning: %q", warning)
		}
		want := []int{3, 2, 1}
		for i := range want {
			if adjusted[i] != want[i] {
				t.Fatalf("adjusted = %v, want %v", adjusted, want)
			}
		}
	})

	t.Run("scaled down proportionally", func(t *testing.T) {
		adjusted, warning := ValidateAndAdjustContracts([]int{4, 2, 2}, 500)
		total := 0
		for _, q := range adjusted {
			total += q
		}
		if total != 5 {
			t.Errorf("adjusted = %v, total %d, want 5 contracts", adjusted, total)
		}
		if warning == "" {
			t.Error("expected an adjustment warning")
		}
	})

	t.Run("no shares leaves zeros", func(t *testing.T) {
		adjusted, warning := ValidateAndAdjustContracts([]int{2, 2}, 80)
		for _, q := range adjusted {
			if q != 0 {
				t.Errorf("adjusted = %v, want all zeros", adjusted)
			}
		}
		if warning == "" {
			t.Error("expected a warning")
		}
	})
}

func TestHeuristicEstimator(t *testing.T) {
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	exp := now.AddDate(0, 0, 14)

	est := HeuristicEstimator{}
	got := est.EstimatePremium(105, 100, exp, now)
	want := 0.78 // (105-100)*0.1 + 14*0.02
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("EstimatePremium = %v, want %v", got, want)
	}

	if got := est.EstimatePremium(100, 100, now.AddDate(0, 0, 1), now); got != 0.50 {
		t.Errorf("floor = %v, want 0.50", got)
	}
}

func TestCalculateStrategy(t *testing.T) {
	b := mock.NewBroker()
	b.SetPrice("AAPL", 100)
	b.SetStockPosition("AAPL", 600, 95.50)

	p := New(b, nil, nil, nil)
	summary := &positions.PositionSummary{
		Symbol:          "AAPL",
		TotalShares:     600,
		AvailableShares: 600,
		CurrentPrice:    100,
	}

	plan, err := p.CalculateStrategy(context.Background(), summary)
	if err != nil {
		t.Fatalf("CalculateStrategy() error: %v", err)
	}

	if plan.TotalContracts != 6 {
		t.Errorf("TotalContracts = %d, want 6 (600 shares)", plan.TotalContracts)
	}
	if len(plan.ExpirationGroups) != 3 {
		t.Fatalf("got %d tiers, want 3", len(plan.ExpirationGroups))
	}

	prevStrike := 0.0
	prevExp := time.Time{}
	for i, group := range plan.ExpirationGroups {
		if group.StrikePrice <= 100 {
			t.Errorf("tier %d strike %.2f should be above the current price", i, group.StrikePrice)
		}
		if group.StrikePrice <= prevStrike {
			t.Errorf("tier %d strike %.2f not above previous %.2f", i, group.StrikePrice, prevStrike)
		}
		if !group.ExpirationDate.After(prevExp) {
			t.Errorf("tier %d expiration %v not after previous %v", i, group.ExpirationDate, prevExp)
		}
		if group.SharesUsed != group.NumContracts*positions.SharesPerContract {
			t.Errorf("tier %d shares %d inconsistent with %d contracts", i, group.SharesUsed, group.NumContracts)
		}
		prevStrike = group.StrikePrice
		prevExp = group.ExpirationDate
	}

	if plan.EstimatedPremium <= 0 {
		t.Errorf("EstimatedPremium = %v, want positive", plan.EstimatedPremium)
	}
	if plan.OriginalCostBasis == nil || plan.EffectiveCostBasisAfter == nil {
		t.Error("cost basis impact fields should be populated")
	}
	if plan.ID == "" {
		t.Error("plan ID missing")
	}
}

func TestCalculateStrategy_BelowMinimum(t *testing.T) {
	b := mock.NewBroker()
	b.SetPrice("AAPL", 100)
	b.SetStockPosition("AAPL", 200, 95.50)

	p := New(b, nil, nil, nil)
	summary := &positions.PositionSummary{
		Symbol:          "AAPL",
		TotalShares:     200,
		AvailableShares: 200,
		CurrentPrice:    100,
	}

	if _, err := p.CalculateStrategy(context.Background(), summary); err == nil {
		t.Error("expected error below the tiering minimum")
	}
}

func TestCalculateStrategy_NoExpirationsInWindow(t *testing.T) {
	b := mock.NewBroker()
	b.SetPrice("AAPL", 100)
	b.SetStockPosition("AAPL", 600, 95.50)

	// A window the weekly mock expirations can never land in.
	p := New(b, nil, nil, nil, Config{
		MinDaysToExpiration: 200,
		MaxDaysToExpiration: 210,
		NumTiers:            3,
		MaxCandidates:       5,
		NearMoneyRatio:      0.98,
	})
	summary := &positions.PositionSummary{
		Symbol:          "AAPL",
		TotalShares:     600,
		AvailableShares: 600,
		CurrentPrice:    100,
	}

	_, err := p.CalculateStrategy(context.Background(), summary)
	if err == nil || !strings.Contains(err.Error(), "no expirations") {
		t.Errorf("error = %v, want no-expirations failure", err)
	}
}
