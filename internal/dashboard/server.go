// Package dashboard serves a read-only HTTP view of the engine: positions,
// cost basis ledger state, and the most recent strategy plans.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
	"github.com/eddiefleurent/covered_caller/internal/planner"
	"github.com/eddiefleurent/covered_caller/internal/positions"
)

// Server is the dashboard HTTP server. Plans are pushed in by the engine via
// RecordPlan; everything else is read live from the broker and ledger.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	positions *positions.Service
	ledger    *ledger.Ledger
	broker    broker.Broker
	logger    *logrus.Logger
	addr      string
	symbols   []string

	mu        sync.RWMutex
	lastPlans map[string]*planner.TieredPlan
	lastCycle time.Time
}

// SymbolStatus is one row of the summary endpoint.
type SymbolStatus struct {
	Summary *positions.PositionSummary `json:"summary"`
	Ledger  *ledger.Summary            `json:"ledger,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// NewServer creates the dashboard server. ledger may be nil when the engine
// runs without cost basis tracking.
func NewServer(
	addr string,
	symbols []string,
	svc *positions.Service,
	led *ledger.Ledger,
	b broker.Broker,
	logger *logrus.Logger,
) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		router:    chi.NewRouter(),
		positions: svc,
		ledger:    led,
		broker:    b,
		logger:    logger,
		addr:      addr,
		symbols:   symbols,
		lastPlans: make(map[string]*planner.TieredPlan),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/summary", s.handleSummary)
	s.router.Get("/api/ledger", s.handleLedger)
	s.router.Get("/api/ledger/{symbol}/history", s.handleHistory)
	s.router.Get("/api/plans", s.handlePlans)
}

// RecordPlan stores a plan so the dashboard can show the latest cycle output.
func (s *Server) RecordPlan(plan *planner.TieredPlan) {
	if plan == nil {
		return
	}
	s.mu.Lock()
	s.lastPlans[plan.Symbol] = plan
	s.lastCycle = time.Now().UTC()
	s.mu.Unlock()
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	balanceOK := true
	if _, err := s.broker.GetAccountBalance(); err != nil {
		balanceOK = false
	}

	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"broker_ok": balanceOK,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]SymbolStatus, len(s.symbols))
	for _, symbol := range s.symbols {
		status := SymbolStatus{}
		summary, err := s.positions.GetPositionSummary(symbol)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Summary = summary
		}
		if s.ledger != nil {
			if ls, err := s.ledger.GetSummary(symbol); err == nil {
				status.Ledger = ls
			}
		}
		out[symbol] = status
	}
	s.writeJSON(w, out)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger not configured", http.StatusNotFound)
		return
	}

	summaries := make(map[string]*ledger.Summary)
	for _, symbol := range s.ledger.Symbols() {
		if summary, err := s.ledger.GetSummary(symbol); err == nil {
			summaries[symbol] = summary
		}
	}
	s.writeJSON(w, summaries)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger not configured", http.StatusNotFound)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	s.writeJSON(w, s.ledger.GetHistory(symbol))
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.writeJSON(w, map[string]interface{}{
		"last_cycle": s.lastCycle,
		"plans":      s.lastPlans,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Covered Call Engine</title></head>
<body>
<h1>Covered Call Engine</h1>
<ul>
<li><a href="/health">/health</a></li>
<li><a href="/api/summary">/api/summary</a></li>
<li><a href="/api/ledger">/api/ledger</a></li>
<li><a href="/api/plans">/api/plans</a></li>
</ul>
</body>
</html>
`
