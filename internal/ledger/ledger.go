// Package ledger maintains the durable per-symbol record of original cost
// basis and cumulative option premium collected, and computes the effective
// cost basis after premium reduction.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a symbol has no ledger entry. Callers that can
// degrade (e.g. treating cumulative premium as zero) should branch on it
// instead of treating it as a real failure.
var ErrNotFound = errors.New("no cost basis data for symbol")

// IntegrityTolerance is the allowed drift between the stored cumulative
// premium and the sum of the history entries.
const IntegrityTolerance = 0.01

// StrategyType identifies what kind of execution produced a premium impact.
type StrategyType string

const (
	// StrategyInitialCoveredCalls marks the first tiered covered-call
	// deployment for a symbol.
	StrategyInitialCoveredCalls StrategyType = "initial_covered_calls"
	// StrategyRoll marks premium collected by rolling expiring short calls.
	StrategyRoll StrategyType = "roll"
)

// Valid reports whether the strategy type is one of the known values.
func (s StrategyType) Valid() bool {
	return s == StrategyInitialCoveredCalls || s == StrategyRoll
}

// StrategyImpact is one append-only history entry.
type StrategyImpact struct {
	StrategyType               StrategyType `json:"strategy_type"`
	ExecutionDate              time.Time    `json:"execution_date"`
	PremiumCollected           float64      `json:"premium_collected"`
	ContractsExecuted          int          `json:"contracts_executed"`
	CostBasisReductionPerShare float64      `json:"cost_basis_reduction_per_share"`
}

// CostBasisData is the ledger row for one symbol.
type CostBasisData struct {
	Symbol                     string           `json:"symbol"`
	OriginalCostBasisPerShare  float64          `json:"original_cost_basis_per_share"`
	TotalShares                int              `json:"total_shares"`
	CumulativePremiumCollected float64          `json:"cumulative_premium_collected"`
	StrategyHistory            []StrategyImpact `json:"strategy_history"`
	LastUpdated                time.Time        `json:"last_updated"`
}

// Summary is a derived snapshot of a symbol's cost basis state.
type Summary struct {
	Symbol                     string  `json:"symbol"`
	OriginalCostBasisPerShare  float64 `json:"original_cost_basis_per_share"`
	TotalShares                int     `json:"total_shares"`
	TotalOriginalCost          float64 `json:"total_original_cost"`
	CumulativePremiumCollected float64 `json:"cumulative_premium_collected"`
	EffectiveCostBasisPerShare float64 `json:"effective_cost_basis_per_share"`
	ReductionPerShare          float64 `json:"reduction_per_share"`
	ReductionPct               float64 `json:"reduction_pct"`
}

// backupSnapshot is the on-disk shape of a ledger backup.
type backupSnapshot struct {
	BackupTimestamp time.Time                 `json:"backup_timestamp"`
	Symbols         map[string]*CostBasisData `json:"symbols"`
}

// Ledger is an explicit object with an injected storage backend. One instance
// per process; it assumes it is the only writer of the backing store.
type Ledger struct {
	mu     sync.RWMutex
	store  Store
	logger *log.Logger
	data   map[string]*CostBasisData
}

// New loads the ledger from the store.
func New(store Store, logger *log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "ledger: ", log.LstdFlags)
	}

	data, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	if data == nil {
		data = map[string]*CostBasisData{}
	}

	return &Ledger{store: store, logger: logger, data: data}, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// EffectiveCostBasis computes the per-share cost basis after premium
// collection, floored at zero. Premium can drive it to exactly 0, so the
// reduction percentage may exceed 100%.
func EffectiveCostBasis(originalPerShare, premiumCollected float64, totalShares int) (float64, error) {
	if originalPerShare <= 0 {
		return 0, fmt.Errorf("original cost basis must be positive, got %.4f", originalPerShare)
	}
	if premiumCollected < 0 {
		return 0, fmt.Errorf("premium collected cannot be negative, got %.4f", premiumCollected)
	}
	if totalShares <= 0 {
		return 0, fmt.Errorf("total shares must be positive, got %d", totalShares)
	}

	effective := originalPerShare - premiumCollected/float64(totalShares)
	if effective < 0 {
		effective = 0
	}
	return effective, nil
}

// RecordStrategyImpact appends a premium impact for a symbol. A symbol not yet
// in the ledger requires a positive originalCostBasis to initialize its row.
func (l *Ledger) RecordStrategyImpact(
	symbol string,
	premium float64,
	sharesCovered int,
	strategyType StrategyType,
	originalCostBasis float64,
) (*StrategyImpact, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if !strategyType.Valid() {
		return nil, fmt.Errorf("invalid strategy type: %q", strategyType)
	}
	if premium < 0 {
		return nil, fmt.Errorf("premium cannot be negative, got %.4f", premium)
	}
	if sharesCovered <= 0 {
		return nil, fmt.Errorf("shares covered must be positive, got %d", sharesCovered)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.data[symbol]
	if !ok {
		if originalCostBasis <= 0 {
			return nil, fmt.Errorf("first strategy for %s requires a positive original cost basis, got %.4f",
				symbol, originalCostBasis)
		}
		d = &CostBasisData{
			Symbol:                    symbol,
			OriginalCostBasisPerShare: originalCostBasis,
			TotalShares:               sharesCovered,
		}
		l.data[symbol] = d
	}

	if strategyType == StrategyInitialCoveredCalls && sharesCovered > d.TotalShares {
		d.TotalShares = sharesCovered
	}

	impact := StrategyImpact{
		StrategyType:               strategyType,
		ExecutionDate:              time.Now().UTC(),
		PremiumCollected:           premium,
		ContractsExecuted:          sharesCovered / 100,
		CostBasisReductionPerShare: premium / float64(sharesCovered),
	}
	d.StrategyHistory = append(d.StrategyHistory, impact)
	d.CumulativePremiumCollected += premium
	d.LastUpdated = time.Now().UTC()

	if err := l.store.Save(l.data); err != nil {
		return nil, fmt.Errorf("persisting ledger: %w", err)
	}
	return &impact, nil
}

// RecordAdditionalPremium appends premium for an already-tracked symbol, used
// for rolls. The symbol must exist.
func (l *Ledger) RecordAdditionalPremium(symbol string, premium float64, strategyType StrategyType, contracts int) error {
	symbol = normalizeSymbol(symbol)
	if !strategyType.Valid() {
		return fmt.Errorf("invalid strategy type: %q", strategyType)
	}
	if premium < 0 {
		return fmt.Errorf("premium cannot be negative, got %.4f", premium)
	}
	if contracts < 0 {
		return fmt.Errorf("contracts cannot be negative, got %d", contracts)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.data[symbol]
	if !ok {
		return fmt.Errorf("recording premium for %s: %w", symbol, ErrNotFound)
	}

	var reduction float64
	if contracts > 0 {
		reduction = premium / float64(contracts*100)
	}
	d.StrategyHistory = append(d.StrategyHistory, StrategyImpact{
		StrategyType:               strategyType,
		ExecutionDate:              time.Now().UTC(),
		PremiumCollected:           premium,
		ContractsExecuted:          contracts,
		CostBasisReductionPerShare: reduction,
	})
	d.CumulativePremiumCollected += premium
	d.LastUpdated = time.Now().UTC()

	if err := l.store.Save(l.data); err != nil {
		return fmt.Errorf("persisting ledger: %w", err)
	}
	return nil
}

// GetSummary derives the cost basis summary for a symbol.
func (l *Ledger) GetSummary(symbol string) (*Summary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.data[normalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("summary for %s: %w", symbol, ErrNotFound)
	}

	effective, err := EffectiveCostBasis(d.OriginalCostBasisPerShare, d.CumulativePremiumCollected, d.TotalShares)
	if err != nil {
		return nil, fmt.Errorf("summary for %s: %w", symbol, err)
	}

	reduction := d.OriginalCostBasisPerShare - effective
	return &Summary{
		Symbol:                     d.Symbol,
		OriginalCostBasisPerShare:  d.OriginalCostBasisPerShare,
		TotalShares:                d.TotalShares,
		TotalOriginalCost:          d.OriginalCostBasisPerShare * float64(d.TotalShares),
		CumulativePremiumCollected: d.CumulativePremiumCollected,
		EffectiveCostBasisPerShare: effective,
		ReductionPerShare:          reduction,
		ReductionPct:               reduction / d.OriginalCostBasisPerShare * 100,
	}, nil
}

// CumulativePremium returns the total premium collected for a symbol.
// Unknown symbols return ErrNotFound; callers typically treat that as zero.
func (l *Ledger) CumulativePremium(symbol string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.data[normalizeSymbol(symbol)]
	if !ok {
		return 0, fmt.Errorf("cumulative premium for %s: %w", symbol, ErrNotFound)
	}
	return d.CumulativePremiumCollected, nil
}

// GetHistory returns the strategy history for a symbol sorted by execution
// date. Unknown symbols yield an empty slice.
func (l *Ledger) GetHistory(symbol string) []StrategyImpact {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.data[normalizeSymbol(symbol)]
	if !ok {
		return []StrategyImpact{}
	}

	history := make([]StrategyImpact, len(d.StrategyHistory))
	copy(history, d.StrategyHistory)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].ExecutionDate.Before(history[j].ExecutionDate)
	})
	return history
}

// Symbols lists the tracked symbols in sorted order.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	symbols := make([]string, 0, len(l.data))
	for s := range l.data {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Remove deletes a symbol's row. Rows are otherwise never destroyed.
func (l *Ledger) Remove(symbol string) error {
	symbol = normalizeSymbol(symbol)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.data[symbol]; !ok {
		return fmt.Errorf("removing %s: %w", symbol, ErrNotFound)
	}
	delete(l.data, symbol)
	return l.store.Save(l.data)
}

// ValidateIntegrity checks one symbol's row for internal consistency.
func (l *Ledger) ValidateIntegrity(symbol string) (bool, []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.data[normalizeSymbol(symbol)]
	if !ok {
		return false, []string{fmt.Sprintf("%s: no ledger entry", normalizeSymbol(symbol))}
	}
	problems := validateRow(d)
	return len(problems) == 0, problems
}

// ValidateAll checks every tracked symbol.
func (l *Ledger) ValidateAll() (bool, []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var problems []string
	for _, symbol := range sortedKeys(l.data) {
		problems = append(problems, validateRow(l.data[symbol])...)
	}
	return len(problems) == 0, problems
}

func sortedKeys(data map[string]*CostBasisData) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validateRow(d *CostBasisData) []string {
	var problems []string

	var historySum float64
	now := time.Now().UTC()
	for i, impact := range d.StrategyHistory {
		historySum += impact.PremiumCollected
		if impact.PremiumCollected < 0 {
			problems = append(problems, fmt.Sprintf("%s: history[%d] has negative premium %.4f", d.Symbol, i, impact.PremiumCollected))
		}
		if impact.ContractsExecuted < 0 {
			problems = append(problems, fmt.Sprintf("%s: history[%d] has negative contracts %d", d.Symbol, i, impact.ContractsExecuted))
		}
		if impact.CostBasisReductionPerShare < 0 {
			problems = append(problems, fmt.Sprintf("%s: history[%d] has negative reduction %.4f", d.Symbol, i, impact.CostBasisReductionPerShare))
		}
		if impact.ExecutionDate.After(now) {
			problems = append(problems, fmt.Sprintf("%s: history[%d] has future execution date %s", d.Symbol, i, impact.ExecutionDate.Format("2006-01-02")))
		}
	}

	if math.Abs(historySum-d.CumulativePremiumCollected) > IntegrityTolerance {
		problems = append(problems, fmt.Sprintf("%s: history sum %.4f does not match cumulative premium %.4f",
			d.Symbol, historySum, d.CumulativePremiumCollected))
	}

	if effective, err := EffectiveCostBasis(d.OriginalCostBasisPerShare, d.CumulativePremiumCollected, d.TotalShares); err != nil {
		problems = append(problems, fmt.Sprintf("%s: %v", d.Symbol, err))
	} else if effective < 0 {
		problems = append(problems, fmt.Sprintf("%s: negative effective cost basis %.4f", d.Symbol, effective))
	}

	return problems
}

// Backup writes a timestamped full snapshot into dir and returns its path.
func (l *Ledger) Backup(dir string) (string, error) {
	l.mu.RLock()
	snapshot := backupSnapshot{
		BackupTimestamp: time.Now().UTC(),
		Symbols:         make(map[string]*CostBasisData, len(l.data)),
	}
	for symbol, d := range l.data {
		rowCopy := *d
		rowCopy.StrategyHistory = append([]StrategyImpact(nil), d.StrategyHistory...)
		snapshot.Symbols[symbol] = &rowCopy
	}
	l.mu.RUnlock()

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("cost_basis_backup_%s.json", snapshot.BackupTimestamp.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	return path, nil
}

// Restore loads a backup snapshot. With merge=false the entire ledger is
// replaced; with merge=true only symbols present in the snapshot are
// overwritten.
func (l *Ledger) Restore(path string, merge bool) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided backup path
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}

	var snapshot backupSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("parsing backup: %w", err)
	}
	if snapshot.Symbols == nil {
		return fmt.Errorf("backup %s has no symbols section", path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !merge {
		l.data = make(map[string]*CostBasisData, len(snapshot.Symbols))
	}
	for symbol, d := range snapshot.Symbols {
		l.data[normalizeSymbol(symbol)] = d
	}

	if err := l.store.Save(l.data); err != nil {
		return fmt.Errorf("persisting restored ledger: %w", err)
	}
	l.logger.Printf("Restored %d symbols from %s (merge=%t)", len(snapshot.Symbols), path, merge)
	return nil
}
