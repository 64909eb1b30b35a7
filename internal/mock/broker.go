// Package mock provides an in-memory Broker with generated market data for
// dry runs, the integration smoke test, and unit tests of the trading cycle.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
)

// Broker is a canned-data broker. Prices, positions, and chains can be seeded
// per symbol; anything not seeded is generated deterministically around the
// symbol's price.
type Broker struct {
	mu        sync.Mutex
	balance   float64
	prices    map[string]float64
	stocks    map[string]broker.StockPosition
	options   []broker.DetailedPosition
	chains    map[string]map[string][]broker.OptionContract
	orders    map[string]*broker.OrderResult
	orderSeq  int
	failNext  error
	marketDay bool
	now       func() time.Time
}

// NewBroker creates a mock broker with an empty account and the market open.
func NewBroker() *Broker {
	return &Broker{
		balance:   100000,
		prices:    make(map[string]float64),
		stocks:    make(map[string]broker.StockPosition),
		chains:    make(map[string]map[string][]broker.OptionContract),
		orders:    make(map[string]*broker.OrderResult),
		marketDay: true,
		now:       time.Now,
	}
}

// SetPrice seeds the current price for a symbol.
func (m *Broker) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[strings.ToUpper(symbol)] = price
}

// SetStockPosition seeds an equity holding.
func (m *Broker) SetStockPosition(symbol string, quantity int, averageCost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	m.stocks[symbol] = broker.StockPosition{Symbol: symbol, Quantity: quantity, AverageCost: averageCost}
}

// AddShortCall seeds a short call position.
func (m *Broker) AddShortCall(symbol string, strike float64, expiration time.Time, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if quantity > 0 {
		quantity = -quantity
	}
	m.options = append(m.options, broker.DetailedPosition{
		Symbol:       symbol,
		OptionSymbol: broker.FormatOCCSymbol(symbol, expiration, broker.OptionTypeCall, strike),
		PositionType: broker.PositionTypeShortCall,
		Quantity:     quantity,
		Strike:       strike,
		Expiration:   expiration,
		OptionType:   broker.OptionTypeCall,
	})
}

// SetChain seeds the option chain for one expiration. An explicitly empty
// chain marks the expiration as unlisted.
func (m *Broker) SetChain(symbol string, expiration time.Time, chain []broker.OptionContract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if m.chains[symbol] == nil {
		m.chains[symbol] = make(map[string][]broker.OptionContract)
	}
	m.chains[symbol][expiration.Format("2006-01-02")] = chain
}

// FailNext makes the next order submission return the given error once.
func (m *Broker) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// SetMarketOpen controls IsTradingDay and the market clock state.
func (m *Broker) SetMarketOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketDay = open
}

// GetAccountBalance implements broker.Broker.
func (m *Broker) GetAccountBalance() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

// GetStockPosition implements broker.Broker.
func (m *Broker) GetStockPosition(symbol string) (*broker.StockPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.stocks[strings.ToUpper(symbol)]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

// GetDetailedPositions implements broker.Broker.
func (m *Broker) GetDetailedPositions(symbol string) ([]broker.DetailedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)

	var out []broker.DetailedPosition
	for _, pos := range m.options {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetExpiringShortCalls implements broker.Broker.
func (m *Broker) GetExpiringShortCalls(expiration time.Time, symbol string) ([]broker.DetailedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)

	var out []broker.DetailedPosition
	for _, pos := range m.options {
		if pos.PositionType != broker.PositionTypeShortCall {
			continue
		}
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		if broker.SameExpiration(pos.Expiration, expiration) {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetCurrentPrice implements broker.Broker.
func (m *Broker) GetCurrentPrice(symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("no quote for %s", symbol)
	}
	return price, nil
}

// GetOptionExpirations returns the next eight weekly Fridays.
func (m *Broker) GetOptionExpirations(symbol string) ([]time.Time, error) {
	today := m.now().UTC().Truncate(24 * time.Hour)
	daysUntilFriday := (int(time.Friday) - int(today.Weekday()) + 7) % 7
	if daysUntilFriday == 0 {
		daysUntilFriday = 7
	}

	expirations := make([]time.Time, 0, 8)
	friday := today.AddDate(0, 0, daysUntilFriday)
	for i := 0; i < 8; i++ {
		expirations = append(expirations, friday.AddDate(0, 0, 7*i))
	}
	return expirations, nil
}

// GetOptionChain returns the seeded chain for the expiration, or a generated
// one with $5 strike spacing around the current price.
func (m *Broker) GetOptionChain(symbol string, expiration time.Time) ([]broker.OptionContract, error) {
	symbol = strings.ToUpper(symbol)
	key := expiration.Format("2006-01-02")

	m.mu.Lock()
	if chains, ok := m.chains[symbol]; ok {
		if chain, ok := chains[key]; ok {
			m.mu.Unlock()
			return chain, nil
		}
	}
	price, ok := m.prices[symbol]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}

	return generateChain(symbol, price, expiration, m.now()), nil
}

// GetOptionChains implements broker.Broker.
func (m *Broker) GetOptionChains(
	ctx context.Context, symbol string, expirations []time.Time,
) (map[time.Time][]broker.OptionContract, error) {
	out := make(map[time.Time][]broker.OptionContract, len(expirations))
	for _, exp := range expirations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chain, err := m.GetOptionChain(symbol, exp)
		if err != nil {
			return nil, err
		}
		out[exp] = chain
	}
	return out, nil
}

// GetMarketClock implements broker.Broker.
func (m *Broker) GetMarketClock(delayed bool) (*broker.MarketClockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := &broker.MarketClockResponse{}
	resp.Clock.Date = m.now().Format("2006-01-02")
	if m.marketDay {
		resp.Clock.State = "open"
		resp.Clock.Description = "Market is open"
	} else {
		resp.Clock.State = "closed"
		resp.Clock.Description = "Market is closed"
	}
	return resp, nil
}

// GetMarketCalendar reports every weekday of the month as open.
func (m *Broker) GetMarketCalendar(month, year int) (*broker.MarketCalendarResponse, error) {
	resp := &broker.MarketCalendarResponse{}
	resp.Calendar.Month = month
	resp.Calendar.Year = year

	day := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	for day.Month() == time.Month(month) {
		status := "open"
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			status = "closed"
		}
		resp.Calendar.Days.Day = append(resp.Calendar.Days.Day, broker.MarketDay{
			Date:   day.Format("2006-01-02"),
			Status: status,
		})
		day = day.AddDate(0, 0, 1)
	}
	return resp, nil
}

// IsTradingDay implements broker.Broker.
func (m *Broker) IsTradingDay(delayed bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marketDay, nil
}

// SubmitCoveredCallOrder fills at the generated chain's bid for the strike.
func (m *Broker) SubmitCoveredCallOrder(ticket broker.CoveredCallTicket) (*broker.OrderResult, error) {
	m.mu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return nil, err
	}
	m.orderSeq++
	id := fmt.Sprintf("MOCK-%d", m.orderSeq)
	price := m.prices[strings.ToUpper(ticket.Symbol)]
	m.mu.Unlock()

	fill := estimatePremium(ticket.Strike, price, ticket.Expiration, m.now())
	result := &broker.OrderResult{
		OrderID:        id,
		Status:         "filled",
		Success:        true,
		FilledQuantity: float64(ticket.Quantity),
		AvgFillPrice:   fill,
	}

	m.mu.Lock()
	m.orders[id] = result
	m.options = append(m.options, broker.DetailedPosition{
		Symbol:       strings.ToUpper(ticket.Symbol),
		OptionSymbol: broker.FormatOCCSymbol(ticket.Symbol, ticket.Expiration, broker.OptionTypeCall, ticket.Strike),
		PositionType: broker.PositionTypeShortCall,
		Quantity:     -ticket.Quantity,
		Strike:       ticket.Strike,
		Expiration:   ticket.Expiration,
		OptionType:   broker.OptionTypeCall,
	})
	m.mu.Unlock()

	return result, nil
}

// SubmitCoveredCallOrders implements broker.Broker.
func (m *Broker) SubmitCoveredCallOrders(tickets []broker.CoveredCallTicket) ([]broker.OrderResult, error) {
	results := make([]broker.OrderResult, 0, len(tickets))
	for _, ticket := range tickets {
		result, err := m.SubmitCoveredCallOrder(ticket)
		if err != nil {
			results = append(results, broker.OrderResult{Status: "error", ErrorMessage: err.Error()})
			continue
		}
		results = append(results, *result)
	}
	return results, nil
}

// SubmitRollOrder closes the old call and opens the new one, crediting the
// estimated amount.
func (m *Broker) SubmitRollOrder(order broker.RollOrder) (*broker.RollOrderResult, error) {
	m.mu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return &broker.RollOrderResult{ErrorMessage: err.Error()}, nil
	}

	m.orderSeq++
	closeID := fmt.Sprintf("MOCK-%d", m.orderSeq)
	m.orderSeq++
	openID := fmt.Sprintf("MOCK-%d", m.orderSeq)

	symbol := strings.ToUpper(order.Symbol)
	kept := m.options[:0]
	for _, pos := range m.options {
		if pos.Symbol == symbol &&
			pos.PositionType == broker.PositionTypeShortCall &&
			math.Abs(pos.Strike-order.CloseStrike) <= broker.StrikeMatchEpsilon &&
			broker.SameExpiration(pos.Expiration, order.CloseExpiration) {
			continue
		}
		kept = append(kept, pos)
	}
	m.options = kept
	m.options = append(m.options, broker.DetailedPosition{
		Symbol:       symbol,
		OptionSymbol: broker.FormatOCCSymbol(symbol, order.NewExpiration, broker.OptionTypeCall, order.NewStrike),
		PositionType: broker.PositionTypeShortCall,
		Quantity:     -order.Quantity,
		Strike:       order.NewStrike,
		Expiration:   order.NewExpiration,
		OptionType:   broker.OptionTypeCall,
	})
	m.mu.Unlock()

	return &broker.RollOrderResult{
		CloseResult:  &broker.OrderResult{OrderID: closeID, Status: "filled", Success: true, FilledQuantity: float64(order.Quantity)},
		OpenResult:   &broker.OrderResult{OrderID: openID, Status: "filled", Success: true, FilledQuantity: float64(order.Quantity)},
		Success:      true,
		ActualCredit: order.EstimatedCredit,
	}, nil
}

// SubmitSpreadOrder books both legs and fills at the estimated net credit.
func (m *Broker) SubmitSpreadOrder(order broker.SpreadOrder) (*broker.OrderResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return nil, err
	}
	m.orderSeq++
	id := fmt.Sprintf("MOCK-%d", m.orderSeq)
	symbol := strings.ToUpper(order.Symbol)
	price := m.prices[symbol]
	m.mu.Unlock()

	credit := estimatePremium(order.ShortStrike, price, order.Expiration, m.now()) -
		estimatePremium(order.LongStrike, price, order.Expiration, m.now())
	if credit < 0.01 {
		credit = 0.01
	}

	shortType, longType := broker.PositionTypeShortCall, broker.PositionTypeLongCall
	if order.OptionType == broker.OptionTypePut {
		shortType, longType = broker.PositionTypeShortPut, broker.PositionTypeLongPut
	}

	result := &broker.OrderResult{
		OrderID:        id,
		Status:         "filled",
		Success:        true,
		FilledQuantity: float64(order.Quantity),
		AvgFillPrice:   credit,
	}

	m.mu.Lock()
	m.orders[id] = result
	m.options = append(m.options,
		broker.DetailedPosition{
			Symbol:       symbol,
			OptionSymbol: broker.FormatOCCSymbol(symbol, order.Expiration, order.OptionType, order.ShortStrike),
			PositionType: shortType,
			Quantity:     -order.Quantity,
			Strike:       order.ShortStrike,
			Expiration:   order.Expiration,
			OptionType:   order.OptionType,
		},
		broker.DetailedPosition{
			Symbol:       symbol,
			OptionSymbol: broker.FormatOCCSymbol(symbol, order.Expiration, order.OptionType, order.LongStrike),
			PositionType: longType,
			Quantity:     order.Quantity,
			Strike:       order.LongStrike,
			Expiration:   order.Expiration,
			OptionType:   order.OptionType,
		})
	m.mu.Unlock()

	return result, nil
}

// GetOrderStatus implements broker.Broker.
func (m *Broker) GetOrderStatus(orderID string) (*broker.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	copied := *result
	return &copied, nil
}

// GetOrderStatusCtx implements broker.Broker.
func (m *Broker) GetOrderStatusCtx(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.GetOrderStatus(orderID)
}

// generateChain builds a synthetic chain with $5 spacing covering ten strikes
// either side of the price.
func generateChain(symbol string, price float64, expiration, now time.Time) []broker.OptionContract {
	const interval = 5.0
	start := math.Floor(price/interval)*interval - 10*interval

	chain := make([]broker.OptionContract, 0, 42)
	for strike := start; strike <= start+20*interval; strike += interval {
		if strike <= 0 {
			continue
		}
		premium := estimatePremium(strike, price, expiration, now)
		chain = append(chain, broker.OptionContract{
			Symbol:     broker.FormatOCCSymbol(symbol, expiration, broker.OptionTypeCall, strike),
			Underlying: symbol,
			OptionType: broker.OptionTypeCall,
			Strike:     strike,
			Expiration: expiration,
			Bid:        math.Max(0.01, premium-0.05),
			Ask:        premium + 0.05,
			Last:       premium,
		})
		chain = append(chain, broker.OptionContract{
			Symbol:     broker.FormatOCCSymbol(symbol, expiration, broker.OptionTypePut, strike),
			Underlying: symbol,
			OptionType: broker.OptionTypePut,
			Strike:     strike,
			Expiration: expiration,
			Bid:        math.Max(0.01, premium-0.05),
			Ask:        premium + 0.05,
			Last:       premium,
		})
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Strike < chain[j].Strike })
	return chain
}

func estimatePremium(strike, price float64, expiration, now time.Time) float64 {
	days := broker.DaysBetween(now, expiration)
	premium := (strike-price)*0.1 + float64(days)*0.02
	if premium < 0.50 {
		premium = 0.50
	}
	return premium
}

var _ broker.Broker = (*Broker)(nil)
