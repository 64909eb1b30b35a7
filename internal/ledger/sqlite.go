package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// SQLiteStore mirrors the JSON snapshot layout in two tables. Every Save runs
// in one transaction so a crash never leaves a half-written ledger.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cost_basis (
	symbol              TEXT PRIMARY KEY,
	original_cost_basis REAL NOT NULL,
	total_shares        INTEGER NOT NULL,
	cumulative_premium  REAL NOT NULL,
	last_updated        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS strategy_history (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol              TEXT NOT NULL REFERENCES cost_basis(symbol) ON DELETE CASCADE,
	strategy_type       TEXT NOT NULL,
	execution_date      TEXT NOT NULL,
	premium_collected   REAL NOT NULL,
	contracts_executed  INTEGER NOT NULL,
	reduction_per_share REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_symbol ON strategy_history(symbol, execution_date);
`

// NewSQLiteStore opens (creating if needed) a SQLite ledger database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	// Single writer; one connection avoids SQLITE_BUSY surprises.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the full ledger from the database.
func (s *SQLiteStore) Load() (map[string]*CostBasisData, error) {
	data := map[string]*CostBasisData{}

	rows, err := s.db.Query(`SELECT symbol, original_cost_basis, total_shares, cumulative_premium, last_updated FROM cost_basis`)
	if err != nil {
		return nil, fmt.Errorf("loading cost basis rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d CostBasisData
		var updated string
		if err := rows.Scan(&d.Symbol, &d.OriginalCostBasisPerShare, &d.TotalShares, &d.CumulativePremiumCollected, &updated); err != nil {
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339, updated); perr == nil {
			d.LastUpdated = ts
		}
		data[d.Symbol] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.db.Query(`SELECT symbol, strategy_type, execution_date, premium_collected, contracts_executed, reduction_per_share
		FROM strategy_history ORDER BY symbol, execution_date, id`)
	if err != nil {
		return nil, fmt.Errorf("loading strategy history: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var symbol, execDate string
		var impact StrategyImpact
		if err := hrows.Scan(&symbol, &impact.StrategyType, &execDate, &impact.PremiumCollected,
			&impact.ContractsExecuted, &impact.CostBasisReductionPerShare); err != nil {
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339, execDate); perr == nil {
			impact.ExecutionDate = ts
		}
		if d, ok := data[symbol]; ok {
			d.StrategyHistory = append(d.StrategyHistory, impact)
		}
	}
	return data, hrows.Err()
}

// Save replaces the stored snapshot inside a single transaction.
func (s *SQLiteStore) Save(data map[string]*CostBasisData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM strategy_history`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cost_basis`); err != nil {
		return err
	}

	insertRow, err := tx.Prepare(`INSERT INTO cost_basis
		(symbol, original_cost_basis, total_shares, cumulative_premium, last_updated) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertRow.Close()

	insertHist, err := tx.Prepare(`INSERT INTO strategy_history
		(symbol, strategy_type, execution_date, premium_collected, contracts_executed, reduction_per_share)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertHist.Close()

	for symbol, d := range data {
		if _, err := insertRow.Exec(symbol, d.OriginalCostBasisPerShare, d.TotalShares,
			d.CumulativePremiumCollected, d.LastUpdated.Format(time.RFC3339)); err != nil {
			return err
		}
		for _, impact := range d.StrategyHistory {
			if _, err := insertHist.Exec(symbol, string(impact.StrategyType),
				impact.ExecutionDate.Format(time.RFC3339), impact.PremiumCollected,
				impact.ContractsExecuted, impact.CostBasisReductionPerShare); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
