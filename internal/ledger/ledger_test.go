package ledger

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memStore keeps the ledger in memory and counts saves.
type memStore struct {
	data  map[string]*CostBasisData
	saves int
}

var _ Store = (*memStore)(nil)

func (m *memStore) Load() (map[string]*CostBasisData, error) { return m.data, nil }
func (m *memStore) Save(data map[string]*CostBasisData) error {
	m.data = data
	m.saves++
	return nil
}
func (m *memStore) Close() error { return nil }

func newTestLedger(t *testing.T) (*Ledger, *memStore) {
	t.Helper()
	store := &memStore{}
	led, err := New(store, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return led, store
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestEffectiveCostBasis(t *testing.T) {
	tests := []struct {
		name     string
		original float64
		premium  float64
		shares   int
		want     float64
		wantErr  bool
	}{
		{"standard reduction", 95.50, 750, 300, 93.0, false},
		{"no premium yet", 100, 0, 100, 100, false},
		{"floored at zero", 10, 5000, 100, 0, false},
		{"zero original", 0, 100, 100, 0, true},
		{"negative premium", 100, -1, 100, 0, true},
		{"zero shares", 100, 100, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EffectiveCostBasis(tt.original, tt.premium, tt.shares)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("EffectiveCostBasis() error: %v", err)
			}
			if !almostEqual(got, tt.want) {
				t.Errorf("EffectiveCostBasis() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordStrategyImpact(t *testing.T) {
	led, store := newTestLedger(t)

	impact, err := led.RecordStrategyImpact("aapl", 750, 300, StrategyInitialCoveredCalls, 95.50)
	if err != nil {
		t.Fatalf("RecordStrategyImpact() error: %v", err)
	}
	if impact.ContractsExecuted != 3 {
		t.Errorf("ContractsExecuted = %d, want 3", impact.ContractsExecuted)
	}
	if !almostEqual(impact.CostBasisReductionPerShare, 2.5) {
		t.Errorf("CostBasisReductionPerShare = %v, want 2.5", impact.CostBasisReductionPerShare)
	}
	if store.saves != 1 {
		t.Errorf("store saves = %d, want 1", store.saves)
	}

	summary, err := led.GetSummary("AAPL")
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if !almostEqual(summary.EffectiveCostBasisPerShare, 93.0) {
		t.Errorf("effective = %v, want 93.0", summary.EffectiveCostBasisPerShare)
	}
	if summary.TotalShares != 300 {
		t.Errorf("TotalShares = %d, want 300", summary.TotalShares)
	}
}

func TestRecordStrategyImpact_Validation(t *testing.T) {
	led, _ := newTestLedger(t)

	tests := []struct {
		name      string
		symbol    string
		premium   float64
		shares    int
		strategy  StrategyType
		basis     float64
		wantInErr string
	}{
		{"empty symbol", "", 100, 100, StrategyInitialCoveredCalls, 50, "symbol"},
		{"bad strategy", "AAPL", 100, 100, StrategyType("merger-arb"), 50, "strategy type"},
		{"negative premium", "AAPL", -1, 100, StrategyInitialCoveredCalls, 50, "premium"},
		{"zero shares", "AAPL", 100, 0, StrategyInitialCoveredCalls, 50, "shares"},
		{"new symbol without basis", "AAPL", 100, 100, StrategyInitialCoveredCalls, 0, "cost basis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := led.RecordStrategyImpact(tt.symbol, tt.premium, tt.shares, tt.strategy, tt.basis)
			if err == nil || !strings.Contains(err.Error(), tt.wantInErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantInErr)
			}
		})
	}
}

func TestRecordStrategyImpact_GrowsShareCount(t *testing.T) {
	led, _ := newTestLedger(t)

	if _, err := led.RecordStrategyImpact("AAPL", 300, 300, StrategyInitialCoveredCalls, 95.50); err != nil {
		t.Fatal(err)
	}
	// A later, larger deployment raises the tracked share count.
	if _, err := led.RecordStrategyImpact("AAPL", 500, 500, StrategyInitialCoveredCalls, 95.50); err != nil {
		t.Fatal(err)
	}

	summary, err := led.GetSummary("AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalShares != 500 {
		t.Errorf("TotalShares = %d, want 500", summary.TotalShares)
	}
	if !almostEqual(summary.CumulativePremiumCollected, 800) {
		t.Errorf("cumulative premium = %v, want 800", summary.CumulativePremiumCollected)
	}
}

func TestRecordAdditionalPremium(t *testing.T) {
	led, _ := newTestLedger(t)

	// Rolls require an existing row.
	err := led.RecordAdditionalPremium("AAPL", 120, StrategyRoll, 2)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for untracked symbol, got %v", err)
	}

	if _, err := led.RecordStrategyImpact("AAPL", 750, 300, StrategyInitialCoveredCalls, 95.50); err != nil {
		t.Fatal(err)
	}
	if err := led.RecordAdditionalPremium("AAPL", 120, StrategyRoll, 2); err != nil {
		t.Fatalf("RecordAdditionalPremium() error: %v", err)
	}

	premium, err := led.CumulativePremium("AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(premium, 870) {
		t.Errorf("cumulative premium = %v, want 870", premium)
	}

	history := led.GetHistory("AAPL")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	roll := history[1]
	if roll.StrategyType != StrategyRoll {
		t.Errorf("second entry type = %q, want roll", roll.StrategyType)
	}
	if !almostEqual(roll.CostBasisReductionPerShare, 0.6) {
		t.Errorf("roll reduction = %v, want 0.6 (120 / 200 shares)", roll.CostBasisReductionPerShare)
	}
}

func TestGetSummary_NotFound(t *testing.T) {
	led, _ := newTestLedger(t)

	_, err := led.GetSummary("TSLA")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSymbolsAndRemove(t *testing.T) {
	led, _ := newTestLedger(t)

	for _, s := range []string{"msft", "AAPL"} {
		if _, err := led.RecordStrategyImpact(s, 100, 100, StrategyInitialCoveredCalls, 50); err != nil {
			t.Fatal(err)
		}
	}

	symbols := led.Symbols()
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "MSFT" {
		t.Errorf("Symbols() = %v, want [AAPL MSFT]", symbols)
	}

	if err := led.Remove("AAPL"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := led.Remove("AAPL"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove should be ErrNotFound, got %v", err)
	}
}

func TestValidateIntegrity(t *testing.T) {
	led, _ := newTestLedger(t)

	if _, err := led.RecordStrategyImpact("AAPL", 750, 300, StrategyInitialCoveredCalls, 95.50); err != nil {
		t.Fatal(err)
	}
	if ok, problems := led.ValidateIntegrity("AAPL"); !ok {
		t.Errorf("fresh row should validate, problems: %v", problems)
	}

	// Corrupt the cumulative total past the tolerance.
	led.data["AAPL"].CumulativePremiumCollected += IntegrityTolerance * 2
	ok, problems := led.ValidateIntegrity("AAPL")
	if ok {
		t.Error("drifted cumulative premium should fail validation")
	}
	if len(problems) == 0 || !strings.Contains(problems[0], "does not match") {
		t.Errorf("problems = %v", problems)
	}

	if ok, _ := led.ValidateIntegrity("TSLA"); ok {
		t.Error("unknown symbol should fail validation")
	}
}

func TestValidateAll(t *testing.T) {
	led, _ := newTestLedger(t)

	if _, err := led.RecordStrategyImpact("AAPL", 750, 300, StrategyInitialCoveredCalls, 95.50); err != nil {
		t.Fatal(err)
	}
	if _, err := led.RecordStrategyImpact("MSFT", 200, 100, StrategyInitialCoveredCalls, 410); err != nil {
		t.Fatal(err)
	}

	if ok, problems := led.ValidateAll(); !ok {
		t.Errorf("ValidateAll() problems: %v", problems)
	}

	led.data["MSFT"].StrategyHistory[0].ExecutionDate = time.Now().UTC().Add(48 * time.Hour)
	if ok, _ := led.ValidateAll(); ok {
		t.Error("future execution date should fail validation")
	}
}

func TestBackupAndRestore(t *testing.T) {
	led, _ := newTestLedger(t)
	dir := t.TempDir()

	if _, err := led.RecordStrategyImpact("AAPL", 750, 300, StrategyInitialCoveredCalls, 95.50); err != nil {
		t.Fatal(err)
	}
	if _, err := led.RecordStrategyImpact("MSFT", 200, 100, StrategyInitialCoveredCalls, 410); err != nil {
		t.Fatal(err)
	}

	path, err := led.Backup(dir)
	if err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "cost_basis_backup_") {
		t.Errorf("backup filename = %q", filepath.Base(path))
	}

	// Diverge, then fully restore: post-backup changes disappear.
	if _, err := led.RecordStrategyImpact("TSLA", 50, 100, StrategyInitialCoveredCalls, 200); err != nil {
		t.Fatal(err)
	}
	if err := led.Restore(path, false); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	symbols := led.Symbols()
	if len(symbols) != 2 {
		t.Errorf("after full restore Symbols() = %v, want [AAPL MSFT]", symbols)
	}

	// Merge restore keeps rows missing from the snapshot.
	if _, err := led.RecordStrategyImpact("TSLA", 50, 100, StrategyInitialCoveredCalls, 200); err != nil {
		t.Fatal(err)
	}
	if err := led.Restore(path, true); err != nil {
		t.Fatalf("Restore(merge) error: %v", err)
	}
	if len(led.Symbols()) != 3 {
		t.Errorf("after merge restore Symbols() = %v, want 3 symbols", led.Symbols())
	}
}

func TestRestore_BadFile(t *testing.T) {
	led, _ := newTestLedger(t)
	dir := t.TempDir()

	if err := led.Restore(filepath.Join(dir, "missing.json"), false); err == nil {
		t.Error("expected error for missing backup file")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"backup_timestamp":"2025-01-01T00:00:00Z"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := led.Restore(bad, false); err == nil || !strings.Contains(err.Error(), "no symbols") {
		t.Errorf("expected no-symbols error, got %v", err)
	}
}

func TestJSONStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	store := NewJSONStore(path)

	// Missing file loads as empty.
	data, err := store.Load()
	if err != nil {
		t.Fatalf("Load() on missing file: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty data, got %v", data)
	}

	led, err := New(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := led.RecordStrategyImpact("AAPL", 750, 300, StrategyInitialCoveredCalls, 95.50); err != nil {
		t.Fatal(err)
	}

	// A fresh ledger over the same file sees the persisted row.
	led2, err := New(NewJSONStore(path), nil)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := led2.GetSummary("AAPL")
	if err != nil {
		t.Fatalf("GetSummary() after reload: %v", err)
	}
	if !almostEqual(summary.CumulativePremiumCollected, 750) {
		t.Errorf("persisted premium = %v, want 750", summary.CumulativePremiumCollected)
	}
}
