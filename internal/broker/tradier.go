// Package broker provides trading API clients for executing options trades.
// It includes the Tradier API client implementation for covered call strategies.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/covered_caller/internal/util"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// StrikeMatchEpsilon defines the precision tolerance for matching strike prices
const StrikeMatchEpsilon = 1e-3

// QuantityEpsilon defines the precision tolerance for quantity comparisons
// Used to handle floating point precision issues with position quantities
const QuantityEpsilon = 1e-6

// chainFetchParallelism caps concurrent chain requests against the API.
const chainFetchParallelism = 4

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
	Standard   int // requests per minute
}

// TradierClient implements Broker against the Tradier REST API.
type TradierClient struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	accountID  string
	rateLimits RateLimits
	sandbox    bool
	timeout    time.Duration
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier broker client with default settings.
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	return NewTradierClientWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierClientWithBaseURL creates a client with an optional custom baseURL
// (tests point this at an httptest server).
func NewTradierClientWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierClient {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	limits := RateLimits{MarketData: 500, Trading: 500, Standard: 500}
	if sandbox {
		limits = RateLimits{MarketData: 120, Trading: 120, Standard: 120}
	}

	const defaultTimeout = 10 * time.Second
	return &TradierClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		accountID:  accountID,
		client:     &http.Client{Timeout: defaultTimeout},
		sandbox:    sandbox,
		rateLimits: limits,
		timeout:    defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierClient) WithHTTPClient(c *http.Client) *TradierClient {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierClient) WithTimeout(timeout time.Duration) *TradierClient {
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type optionChainResponse struct {
	Options struct {
		Option singleOrArray[chainOption] `json:"option"`
	} `json:"options"`
}

type chainOption struct {
	Symbol         string  `json:"symbol"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	Strike         float64 `json:"strike"`
}

type positionsResponse struct {
	Positions positionsWrapper `json:"positions"`
}

// positionsWrapper handles the case where positions can be "null" string or an object
type positionsWrapper struct {
	Position singleOrArray[positionItem] `json:"position"`
}

func (pw *positionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Tradier returns the literal string "null" for empty accounts
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = positionsWrapper{}
		return nil
	}

	type normalWrapper positionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

type positionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[quoteItem] `json:"quote"`
	} `json:"quotes"`
}

type quoteItem struct {
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	PrevClose float64 `json:"prevclose"`
}

type expirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

type balanceResponse struct {
	Balances struct {
		TotalEquity   float64 `json:"total_equity"`
		AccountNumber string  `json:"account_number"`
		AccountType   string  `json:"account_type"`
		TotalCash     float64 `json:"total_cash"`
	} `json:"balances"`
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// MarketCalendarResponse represents the market calendar response from the Tradier API.
type MarketCalendarResponse struct {
	Calendar struct {
		Month int `json:"month"`
		Year  int `json:"year"`
		Days  struct {
			Day []MarketDay `json:"day"`
		} `json:"days"`
	} `json:"calendar"`
}

// MarketDay represents a single day in the market calendar.
type MarketDay struct {
	Date        string `json:"date"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Open        *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"open,omitempty"`
}

type orderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
	} `json:"order"`
}

func (r *orderResponse) toResult() *OrderResult {
	status := r.Order.Status
	success := status != "" && status != "rejected" && status != "error" && status != "canceled" && status != "expired"
	return &OrderResult{
		OrderID:        strconv.Itoa(r.Order.ID),
		Status:         status,
		Success:        success,
		FilledQuantity: r.Order.ExecQuantity,
		AvgFillPrice:   r.Order.AvgFillPrice,
	}
}

// ============ Account Operations ============

// GetAccountBalance returns the total account equity.
func (t *TradierClient) GetAccountBalance() (float64, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response balanceResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return 0, err
	}

	return response.Balances.TotalEquity, nil
}

// GetStockPosition returns the equity position for a symbol, or nil when the
// account holds no shares of it.
func (t *TradierClient) GetStockPosition(symbol string) (*StockPosition, error) {
	items, err := t.getPositions()
	if err != nil {
		return nil, err
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, item := range items {
		if !strings.EqualFold(item.Symbol, symbol) {
			continue
		}
		qty := int(math.Round(item.Quantity))
		avg := 0.0
		if qty != 0 {
			avg = item.CostBasis / math.Abs(item.Quantity)
		}
		return &StockPosition{Symbol: symbol, Quantity: qty, AverageCost: avg}, nil
	}
	return nil, nil
}

// GetDetailedPositions returns all account positions classified by type.
// When symbol is non-empty, only positions on that underlying are returned.
func (t *TradierClient) GetDetailedPositions(symbol string) ([]DetailedPosition, error) {
	items, err := t.getPositions()
	if err != nil {
		return nil, err
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	detailed := make([]DetailedPosition, 0, len(items))
	for _, item := range items {
		qty := int(math.Round(item.Quantity))
		if qty == 0 {
			continue
		}

		underlying, expiration, optType, strike, perr := ParseOCCSymbol(item.Symbol)
		if perr != nil {
			// Equity position
			if symbol != "" && !strings.EqualFold(item.Symbol, symbol) {
				continue
			}
			detailed = append(detailed, DetailedPosition{
				Symbol:       strings.ToUpper(item.Symbol),
				PositionType: PositionTypeStock,
				Quantity:     qty,
				AverageCost:  item.CostBasis / math.Abs(item.Quantity),
			})
			continue
		}

		if symbol != "" && !strings.EqualFold(underlying, symbol) {
			continue
		}
		detailed = append(detailed, DetailedPosition{
			Symbol:       strings.ToUpper(underlying),
			OptionSymbol: item.Symbol,
			PositionType: classifyOption(qty, optType),
			Quantity:     qty,
			AverageCost:  item.CostBasis / math.Abs(item.Quantity),
			Strike:       strike,
			Expiration:   expiration,
			OptionType:   optType,
		})
	}
	return detailed, nil
}

func classifyOption(quantity int, optType OptionType) string {
	switch {
	case quantity > 0 && optType == OptionTypeCall:
		return PositionTypeLongCall
	case quantity > 0 && optType == OptionTypePut:
		return PositionTypeLongPut
	case quantity < 0 && optType == OptionTypeCall:
		return PositionTypeShortCall
	default:
		return PositionTypeShortPut
	}
}

// GetExpiringShortCalls returns short calls expiring on the given date,
// optionally filtered to one underlying.
func (t *TradierClient) GetExpiringShortCalls(expiration time.Time, symbol string) ([]DetailedPosition, error) {
	detailed, err := t.GetDetailedPositions(symbol)
	if err != nil {
		return nil, err
	}

	var calls []DetailedPosition
	for _, pos := range detailed {
		if pos.PositionType != PositionTypeShortCall {
			continue
		}
		if !SameExpiration(pos.Expiration, expiration) {
			continue
		}
		calls = append(calls, pos)
	}
	return calls, nil
}

func (t *TradierClient) getPositions() ([]positionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response positionsResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []positionItem(response.Positions.Position), nil
}

// ============ Market Data ============

// GetCurrentPrice returns the last trade price for a symbol, falling back to
// the bid/ask midpoint when the last print is unusable.
func (t *TradierClient) GetCurrentPrice(symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response quotesResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return 0, err
	}

	quotes := response.Quotes.Quote
	if len(quotes) == 0 {
		return 0, fmt.Errorf("no quote found for symbol: %s", symbol)
	}

	q := quotes[0]
	price := q.Last
	if price <= 0 {
		price = (q.Bid + q.Ask) / 2
	}
	if price <= 0 {
		price = q.PrevClose
	}
	if price <= 0 {
		return 0, fmt.Errorf("no usable price for symbol: %s", symbol)
	}
	return price, nil
}

// GetOptionExpirations retrieves available expiration dates for options on a
// symbol in chronological order.
func (t *TradierClient) GetOptionExpirations(symbol string) ([]time.Time, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response expirationsResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(response.Expirations.Date))
	for _, s := range response.Expirations.Date {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid expiration date %q: %w", s, err)
		}
		dates = append(dates, d.UTC())
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
func (t *TradierClient) GetOptionChain(symbol string, expiration time.Time) ([]OptionContract, error) {
	return t.getOptionChainCtx(context.Background(), symbol, expiration)
}

func (t *TradierClient) getOptionChainCtx(ctx context.Context, symbol string, expiration time.Time) ([]OptionContract, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration.Format("2006-01-02"))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response optionChainResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	contracts := make([]OptionContract, 0, len(response.Options.Option))
	for _, opt := range response.Options.Option {
		exp, err := time.Parse("2006-01-02", opt.ExpirationDate)
		if err != nil {
			exp = expiration
		}
		contracts = append(contracts, OptionContract{
			Symbol:     opt.Symbol,
			Underlying: opt.Underlying,
			OptionType: OptionType(opt.OptionType),
			Strike:     opt.Strike,
			Expiration: exp.UTC(),
			Bid:        opt.Bid,
			Ask:        opt.Ask,
			Last:       opt.Last,
		})
	}
	return contracts, nil
}

// GetOptionChains fetches chains for several expirations concurrently.
func (t *TradierClient) GetOptionChains(
	ctx context.Context, symbol string, expirations []time.Time,
) (map[time.Time][]OptionContract, error) {
	chains := make(map[time.Time][]OptionContract, len(expirations))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chainFetchParallelism)
	for _, exp := range expirations {
		exp := exp
		g.Go(func() error {
			chain, err := t.getOptionChainCtx(gctx, symbol, exp)
			if err != nil {
				return fmt.Errorf("chain for %s %s: %w", symbol, exp.Format("2006-01-02"), err)
			}
			mu.Lock()
			chains[exp] = chain
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chains, nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierClient) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/clock?delayed=%t", t.baseURL, delayed)

	var response MarketClockResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// GetMarketCalendar retrieves the market calendar for a specific month/year.
// If month/year are 0, uses current month/year.
func (t *TradierClient) GetMarketCalendar(month, year int) (*MarketCalendarResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/calendar", t.baseURL)

	params := url.Values{}
	if month > 0 {
		params.Add("month", fmt.Sprintf("%02d", month))
	}
	if year > 0 {
		params.Add("year", fmt.Sprintf("%04d", year))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var response MarketCalendarResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// IsTradingDay returns true on a trading session day (open, premarket, or postmarket).
func (t *TradierClient) IsTradingDay(delayed bool) (bool, error) {
	clock, err := t.GetMarketClock(delayed)
	if err != nil {
		return false, err
	}

	state := clock.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

// ============ Order Placement ============

// SubmitCoveredCallOrder places a sell-to-open call against owned shares.
func (t *TradierClient) SubmitCoveredCallOrder(ticket CoveredCallTicket) (*OrderResult, error) {
	if ticket.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", ticket.Quantity)
	}
	if ticket.Strike <= 0 {
		return nil, fmt.Errorf("invalid strike for order: %.2f, strike must be positive", ticket.Strike)
	}

	optionSymbol := FormatOCCSymbol(ticket.Symbol, ticket.Expiration, OptionTypeCall, ticket.Strike)

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", strings.ToUpper(ticket.Symbol))
	params.Add("option_symbol", optionSymbol)
	params.Add("side", "sell_to_open")
	params.Add("quantity", fmt.Sprintf("%d", ticket.Quantity))
	params.Add("duration", "day")
	if ticket.LimitPrice > 0 {
		params.Add("type", "limit")
		params.Add("price", fmt.Sprintf("%.2f", util.RoundToTick(ticket.LimitPrice, 0.01)))
	} else {
		params.Add("type", "market")
	}
	if ticket.Tag != "" {
		params.Add("tag", ticket.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderResponse
	if err := t.makeRequest("POST", endpoint, params, &response); err != nil {
		return nil, err
	}

	return response.toResult(), nil
}

// SubmitCoveredCallOrders submits a batch of covered call orders sequentially.
// Per-order submission failures are captured in the corresponding result so the
// caller gets one result per ticket, in order.
func (t *TradierClient) SubmitCoveredCallOrders(tickets []CoveredCallTicket) ([]OrderResult, error) {
	results := make([]OrderResult, 0, len(tickets))
	for _, ticket := range tickets {
		res, err := t.SubmitCoveredCallOrder(ticket)
		if err != nil {
			results = append(results, OrderResult{Success: false, Status: "error", ErrorMessage: err.Error()})
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// SubmitRollOrder closes the expiring short call and opens the replacement.
// Legs submit sequentially; an open-leg failure after a filled close leg leaves
// the shares uncovered until the next cycle.
func (t *TradierClient) SubmitRollOrder(order RollOrder) (*RollOrderResult, error) {
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("invalid roll quantity: %d", order.Quantity)
	}
	if order.NewStrike <= 0 || order.CloseStrike <= 0 {
		return nil, fmt.Errorf("invalid roll strikes: close=%.2f new=%.2f", order.CloseStrike, order.NewStrike)
	}

	result := &RollOrderResult{}

	closeSymbol := FormatOCCSymbol(order.Symbol, order.CloseExpiration, OptionTypeCall, order.CloseStrike)
	closeRes, err := t.submitOptionOrder(order.Symbol, closeSymbol, "buy_to_close", order.Quantity, order.Tag)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("close leg: %v", err)
		return result, nil
	}
	result.CloseResult = closeRes
	if !closeRes.Success {
		result.ErrorMessage = fmt.Sprintf("close leg %s: %s", closeRes.Status, closeRes.ErrorMessage)
		return result, nil
	}

	openSymbol := FormatOCCSymbol(order.Symbol, order.NewExpiration, OptionTypeCall, order.NewStrike)
	openRes, err := t.submitOptionOrder(order.Symbol, openSymbol, "sell_to_open", order.Quantity, order.Tag)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("open leg: %v", err)
		return result, nil
	}
	result.OpenResult = openRes
	if !openRes.Success {
		result.ErrorMessage = fmt.Sprintf("open leg %s: %s", openRes.Status, openRes.ErrorMessage)
		return result, nil
	}

	result.Success = true
	if openRes.AvgFillPrice > 0 || closeRes.AvgFillPrice > 0 {
		result.ActualCredit = (openRes.AvgFillPrice - closeRes.AvgFillPrice) * 100 * float64(order.Quantity)
	} else {
		result.ActualCredit = order.EstimatedCredit
	}
	return result, nil
}

// SubmitSpreadOrder places both legs of a credit spread as one multileg order
// so neither leg can rest alone.
func (t *TradierClient) SubmitSpreadOrder(order SpreadOrder) (*OrderResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	shortSymbol := FormatOCCSymbol(order.Symbol, order.Expiration, order.OptionType, order.ShortStrike)
	longSymbol := FormatOCCSymbol(order.Symbol, order.Expiration, order.OptionType, order.LongStrike)

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", strings.ToUpper(order.Symbol))
	params.Add("duration", "day")
	if order.LimitPrice > 0 {
		params.Add("type", "credit")
		params.Add("price", fmt.Sprintf("%.2f", util.RoundToTick(order.LimitPrice, 0.01)))
	} else {
		params.Add("type", "market")
	}
	params.Add("option_symbol[0]", shortSymbol)
	params.Add("side[0]", "sell_to_open")
	params.Add("quantity[0]", fmt.Sprintf("%d", order.Quantity))
	params.Add("option_symbol[1]", longSymbol)
	params.Add("side[1]", "buy_to_open")
	params.Add("quantity[1]", fmt.Sprintf("%d", order.Quantity))
	if order.Tag != "" {
		params.Add("tag", order.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderResponse
	if err := t.makeRequest("POST", endpoint, params, &response); err != nil {
		return nil, err
	}

	return response.toResult(), nil
}

func (t *TradierClient) submitOptionOrder(symbol, optionSymbol, side string, quantity int, tag string) (*OrderResult, error) {
	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", strings.ToUpper(symbol))
	params.Add("option_symbol", optionSymbol)
	params.Add("side", side)
	params.Add("quantity", fmt.Sprintf("%d", quantity))
	params.Add("type", "market")
	params.Add("duration", "day")
	if tag != "" {
		params.Add("tag", tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderResponse
	if err := t.makeRequest("POST", endpoint, params, &response); err != nil {
		return nil, err
	}

	return response.toResult(), nil
}

// GetOrderStatus retrieves the status of an existing order by ID.
func (t *TradierClient) GetOrderStatus(orderID string) (*OrderResult, error) {
	return t.GetOrderStatusCtx(context.Background(), orderID)
}

// GetOrderStatusCtx retrieves the status of an existing order by ID with context.
func (t *TradierClient) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderResult, error) {
	id, err := strconv.Atoi(orderID)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, id)
	var response orderResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.toResult(), nil
}

// ============ HTTP plumbing ============

func (t *TradierClient) makeRequest(method, endpoint string, params url.Values, response interface{}) error {
	return t.makeRequestCtx(context.Background(), method, endpoint, params, response)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "covered-caller/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Available")
		if remaining == "" {
			remaining = resp.Header.Get("X-RateLimit-Remaining")
		}
	}
	if remaining != "" && t.sandbox {
		log.Printf("Rate limit remaining: %s", remaining)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// CallStrikes returns the sorted distinct call strikes present in a chain.
func CallStrikes(chain []OptionContract) []float64 {
	seen := make(map[float64]struct{}, len(chain))
	strikes := make([]float64, 0, len(chain))
	for _, opt := range chain {
		if opt.OptionType != OptionTypeCall {
			continue
		}
		if _, ok := seen[opt.Strike]; ok {
			continue
		}
		seen[opt.Strike] = struct{}{}
		strikes = append(strikes, opt.Strike)
	}
	sort.Float64s(strikes)
	return strikes
}

// HasCallStrike reports whether a chain lists a call at the given strike.
func HasCallStrike(chain []OptionContract, strike float64) bool {
	for _, opt := range chain {
		if opt.OptionType == OptionTypeCall && math.Abs(opt.Strike-strike) <= StrikeMatchEpsilon {
			return true
		}
	}
	return false
}
