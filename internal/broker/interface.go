package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// Position classification for detailed positions.
const (
	PositionTypeStock     = "stock"
	PositionTypeLongCall  = "long_call"
	PositionTypeLongPut   = "long_put"
	PositionTypeShortCall = "short_call"
	PositionTypeShortPut  = "short_put"
)

// StockPosition is a read-only snapshot of an equity holding.
type StockPosition struct {
	Symbol      string  `json:"symbol"`
	Quantity    int     `json:"quantity"`
	AverageCost float64 `json:"average_cost"`
}

// DetailedPosition is a classified account position. For option positions
// OptionSymbol, Strike, Expiration, and OptionType are populated; for stock
// they are zero values.
type DetailedPosition struct {
	Symbol       string     `json:"symbol"`
	OptionSymbol string     `json:"option_symbol,omitempty"`
	PositionType string     `json:"position_type"`
	Quantity     int        `json:"quantity"`
	AverageCost  float64    `json:"average_cost"`
	Strike       float64    `json:"strike,omitempty"`
	Expiration   time.Time  `json:"expiration,omitempty"`
	OptionType   OptionType `json:"option_type,omitempty"`
}

// OptionContract is a single chain entry.
type OptionContract struct {
	Symbol     string     `json:"symbol"`
	Underlying string     `json:"underlying"`
	OptionType OptionType `json:"option_type"`
	Strike     float64    `json:"strike"`
	Expiration time.Time  `json:"expiration"`
	Bid        float64    `json:"bid"`
	Ask        float64    `json:"ask"`
	Last       float64    `json:"last"`
}

// OrderResult is the normalized outcome of one order submission.
type OrderResult struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	Success        bool    `json:"success"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	FilledQuantity float64 `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
}

// CoveredCallTicket describes one sell-to-open call order against owned shares.
// LimitPrice <= 0 submits a market order.
type CoveredCallTicket struct {
	Symbol     string    `json:"symbol"`
	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`
	Quantity   int       `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	Tag        string    `json:"tag,omitempty"`
}

// RollOrder closes an expiring short call and opens a replacement.
// Legs are submitted sequentially; there is no broker-side combo guarantee.
type RollOrder struct {
	Symbol          string    `json:"symbol"`
	CloseStrike     float64   `json:"close_strike"`
	CloseExpiration time.Time `json:"close_expiration"`
	NewStrike       float64   `json:"new_strike"`
	NewExpiration   time.Time `json:"new_expiration"`
	Quantity        int       `json:"quantity"`
	EstimatedCredit float64   `json:"estimated_credit"`
	Tag             string    `json:"tag,omitempty"`
}

// RollOrderResult carries the independent per-leg outcomes of a roll.
// Success requires both legs.
type RollOrderResult struct {
	CloseResult  *OrderResult `json:"close_result,omitempty"`
	OpenResult   *OrderResult `json:"open_result,omitempty"`
	Success      bool         `json:"success"`
	ActualCredit float64      `json:"actual_credit"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// SpreadOrder is a two-leg vertical credit spread: sell the short leg and buy
// the long leg for protection. Both legs share expiration and quantity.
// LimitPrice <= 0 submits a market order; otherwise it is the net credit.
type SpreadOrder struct {
	Symbol      string     `json:"symbol"`
	OptionType  OptionType `json:"option_type"`
	ShortStrike float64    `json:"short_strike"`
	LongStrike  float64    `json:"long_strike"`
	Expiration  time.Time  `json:"expiration"`
	Quantity    int        `json:"quantity"`
	LimitPrice  float64    `json:"limit_price,omitempty"`
	Tag         string     `json:"tag,omitempty"`
}

// Validate checks the structural invariants of a credit spread before it
// reaches a broker. A put credit spread sells the higher strike; a call
// credit spread sells the lower one.
func (o *SpreadOrder) Validate() error {
	if o.Symbol == "" {
		return errors.New("spread order requires a symbol")
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("invalid spread quantity: %d", o.Quantity)
	}
	if o.ShortStrike <= 0 || o.LongStrike <= 0 {
		return fmt.Errorf("invalid spread strikes: short=%.2f long=%.2f", o.ShortStrike, o.LongStrike)
	}
	if o.ShortStrike == o.LongStrike {
		return fmt.Errorf("spread legs share strike %.2f", o.ShortStrike)
	}
	switch o.OptionType {
	case OptionTypePut:
		if o.ShortStrike < o.LongStrike {
			return fmt.Errorf("put credit spread must sell the higher strike: short=%.2f long=%.2f",
				o.ShortStrike, o.LongStrike)
		}
	case OptionTypeCall:
		if o.ShortStrike > o.LongStrike {
			return fmt.Errorf("call credit spread must sell the lower strike: short=%.2f long=%.2f",
				o.ShortStrike, o.LongStrike)
		}
	default:
		return fmt.Errorf("unsupported spread option type %q", o.OptionType)
	}
	return nil
}

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Account operations
	GetAccountBalance() (float64, error)
	GetStockPosition(symbol string) (*StockPosition, error)
	GetDetailedPositions(symbol string) ([]DetailedPosition, error)
	GetExpiringShortCalls(expiration time.Time, symbol string) ([]DetailedPosition, error)

	// Market data
	GetCurrentPrice(symbol string) (float64, error)
	GetOptionExpirations(symbol string) ([]time.Time, error)
	GetOptionChain(symbol string, expiration time.Time) ([]OptionContract, error)
	GetOptionChains(ctx context.Context, symbol string, expirations []time.Time) (map[time.Time][]OptionContract, error)
	GetMarketClock(delayed bool) (*MarketClockResponse, error)
	GetMarketCalendar(month, year int) (*MarketCalendarResponse, error)
	IsTradingDay(delayed bool) (bool, error)

	// Order placement
	SubmitCoveredCallOrder(ticket CoveredCallTicket) (*OrderResult, error)
	SubmitCoveredCallOrders(tickets []CoveredCallTicket) ([]OrderResult, error)
	SubmitRollOrder(order RollOrder) (*RollOrderResult, error)
	SubmitSpreadOrder(order SpreadOrder) (*OrderResult, error)

	// Order status
	GetOrderStatus(orderID string) (*OrderResult, error)
	GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderResult, error)
}

// DaysBetween calculates the number of days between two dates
func DaysBetween(from, to time.Time) int {
	f := from.UTC().Truncate(24 * time.Hour)
	t := to.UTC().Truncate(24 * time.Hour)
	d := int(t.Sub(f).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

// SameExpiration compares two expiration dates ignoring time of day.
func SameExpiration(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetAccountBalance wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountBalance() (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountBalance() })
}

// GetStockPosition wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetStockPosition(symbol string) (*StockPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*StockPosition, error) {
		return b.GetStockPosition(symbol)
	})
}

// GetDetailedPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetDetailedPositions(symbol string) ([]DetailedPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]DetailedPosition, error) {
		return b.GetDetailedPositions(symbol)
	})
}

// GetExpiringShortCalls wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpiringShortCalls(expiration time.Time, symbol string) ([]DetailedPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]DetailedPosition, error) {
		return b.GetExpiringShortCalls(expiration, symbol)
	})
}

// GetCurrentPrice wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetCurrentPrice(symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetCurrentPrice(symbol) })
}

// GetOptionExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionExpirations(symbol string) ([]time.Time, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]time.Time, error) {
		return b.GetOptionExpirations(symbol)
	})
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(symbol string, expiration time.Time) ([]OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OptionContract, error) {
		return b.GetOptionChain(symbol, expiration)
	})
}

// GetOptionChains wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChains(
	ctx context.Context, symbol string, expirations []time.Time,
) (map[time.Time][]OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[time.Time][]OptionContract, error) {
		return b.GetOptionChains(ctx, symbol, expirations)
	})
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(delayed)
	})
}

// GetMarketCalendar wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketCalendar(month, year int) (*MarketCalendarResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketCalendarResponse, error) {
		return b.GetMarketCalendar(month, year)
	})
}

// IsTradingDay wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) IsTradingDay(delayed bool) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsTradingDay(delayed)
	})
}

// SubmitCoveredCallOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitCoveredCallOrder(ticket CoveredCallTicket) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) {
		return b.SubmitCoveredCallOrder(ticket)
	})
}

// SubmitCoveredCallOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitCoveredCallOrders(tickets []CoveredCallTicket) ([]OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderResult, error) {
		return b.SubmitCoveredCallOrders(tickets)
	})
}

// SubmitRollOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitRollOrder(order RollOrder) (*RollOrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*RollOrderResult, error) {
		return b.SubmitRollOrder(order)
	})
}

// SubmitSpreadOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitSpreadOrder(order SpreadOrder) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) {
		return b.SubmitSpreadOrder(order)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(orderID string) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) {
		return b.GetOrderStatus(orderID)
	})
}

// GetOrderStatusCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) {
		return b.GetOrderStatusCtx(ctx, orderID)
	})
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)
