package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/positions"
	"github.com/eddiefleurent/covered_caller/internal/retry"
)

// Config contains configuration for the order executor.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
	RetryPolicy  retry.Policy
}

// DefaultConfig is the default configuration for the order executor.
var DefaultConfig = Config{
	PollInterval: 5 * time.Second,
	Timeout:      5 * time.Minute,
	CallTimeout:  5 * time.Second,
	RetryPolicy:  retry.DefaultPolicy,
}

// ExecutedOrder pairs an order with its submission result.
type ExecutedOrder struct {
	Order  positions.CoveredCallOrder `json:"order"`
	Result broker.OrderResult         `json:"result"`
}

// ExecutionSummary is the roll-up of one batch run.
type ExecutionSummary struct {
	TotalOrders        int     `json:"total_orders"`
	SuccessfulOrders   int     `json:"successful_orders"`
	FailedOrders       int     `json:"failed_orders"`
	RejectedOrders     int     `json:"rejected_orders"`
	SuccessRate        float64 `json:"success_rate"`
	ValidationWarnings int     `json:"validation_warnings"`
	ValidationErrors   int     `json:"validation_errors"`
	ValidationFailed   bool    `json:"validation_failed,omitempty"`
	DryRun             bool    `json:"dry_run,omitempty"`
}

// BatchResult is the outcome of a batch submission, including error recovery.
type BatchResult struct {
	Successful            []ExecutedOrder  `json:"successful"`
	Failed                []ExecutedOrder  `json:"failed"`
	PartialSuccess        bool             `json:"partial_success"`
	TotalPremiumCollected float64          `json:"total_premium_collected"`
	Summary               ExecutionSummary `json:"summary"`
}

// Executor submits covered call batches with validation, retry, and partial
// failure recovery. In dry-run mode submissions are simulated.
type Executor struct {
	broker    broker.Broker
	validator *Validator
	logger    *log.Logger
	config    Config
	dryRun    bool
}

// NewExecutor creates an order executor.
func NewExecutor(b broker.Broker, logger *log.Logger, dryRun bool, config ...Config) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = DefaultConfig.RetryPolicy
	}

	if b == nil {
		panic("orders.NewExecutor: broker must not be nil")
	}

	return &Executor{
		broker:    b,
		validator: NewValidator(logger),
		logger:    logger,
		config:    cfg,
		dryRun:    dryRun,
	}
}

// SubmitBatch validates and submits a batch of covered call orders for one
// symbol. A validation failure short-circuits without touching the broker.
// Submitted orders that fail are retried individually; one order's failure
// never blocks the rest.
func (e *Executor) SubmitBatch(
	ctx context.Context,
	orders []positions.CoveredCallOrder,
	summary *positions.PositionSummary,
	maxContractsPerExpiration int,
) BatchResult {
	if len(orders) == 0 {
		e.logger.Printf("No orders provided for submission")
		return BatchResult{}
	}
	symbol := orders[0].Symbol

	e.logger.Printf("Starting batch submission for %s: %d orders, dry_run=%t", symbol, len(orders), e.dryRun)

	validation := e.validator.ValidateOrders(orders, summary, maxContractsPerExpiration)
	for _, warning := range validation.Warnings {
		e.logger.Printf("Validation warning for %s: %s", symbol, warning)
	}

	if !validation.IsValid {
		e.logger.Printf("Order validation failed for %s: %v", symbol, validation.Errors)
		result := BatchResult{
			Summary: ExecutionSummary{
				TotalOrders:        len(orders),
				FailedOrders:       len(orders),
				ValidationWarnings: len(validation.Warnings),
				ValidationErrors:   len(validation.Errors),
				ValidationFailed:   true,
				DryRun:             e.dryRun,
			},
		}
		for _, order := range orders {
			result.Failed = append(result.Failed, ExecutedOrder{
				Order: order,
				Result: broker.OrderResult{
					Status:       "validation_failed",
					ErrorMessage: strings.Join(validation.Errors, "; "),
				},
			})
		}
		return result
	}

	var results []broker.OrderResult
	if e.dryRun {
		results = e.simulateOrders(validation.ValidatedOrders)
	} else {
		results = e.submitWithRetry(ctx, validation.ValidatedOrders)
	}

	batch := e.collectResults(validation.ValidatedOrders, results)
	for _, rejected := range validation.RejectedOrders {
		batch.Failed = append(batch.Failed, ExecutedOrder{
			Order: rejected,
			Result: broker.OrderResult{
				Status:       "validation_rejected",
				ErrorMessage: "order rejected during validation",
			},
		})
	}

	batch.Summary.TotalOrders = len(orders)
	batch.Summary.FailedOrders = len(batch.Failed)
	batch.Summary.RejectedOrders = len(validation.RejectedOrders)
	batch.Summary.ValidationWarnings = len(validation.Warnings)
	batch.Summary.ValidationErrors = len(validation.Errors)
	batch.Summary.DryRun = e.dryRun

	e.logger.Printf("Batch submission completed for %s: %d/%d successful, premium %.2f",
		symbol, batch.Summary.SuccessfulOrders, batch.Summary.TotalOrders, batch.TotalPremiumCollected)
	return batch
}

// submitWithRetry tries one batch call first and falls back to individual
// submissions with backoff for whatever failed.
func (e *Executor) submitWithRetry(ctx context.Context, orders []positions.CoveredCallOrder) []broker.OrderResult {
	tickets := make([]broker.CoveredCallTicket, len(orders))
	for i, order := range orders {
		tickets[i] = ticketFor(order)
	}

	batchResults, err := e.broker.SubmitCoveredCallOrders(tickets)
	if err != nil || len(batchResults) != len(orders) {
		if err != nil {
			e.logger.Printf("Batch submission failed, falling back to individual orders: %v", err)
		} else {
			e.logger.Printf("Batch returned %d results for %d orders, falling back to individual orders",
				len(batchResults), len(orders))
		}
		results := make([]broker.OrderResult, len(orders))
		for i, order := range orders {
			results[i] = e.SubmitSingleWithRetry(ctx, order)
		}
		return results
	}

	allSuccessful := true
	for _, result := range batchResults {
		if !result.Success {
			allSuccessful = false
			break
		}
	}
	if allSuccessful {
		e.logger.Printf("Batch submission successful for all %d orders", len(orders))
		return batchResults
	}

	results := make([]broker.OrderResult, len(orders))
	for i, result := range batchResults {
		if result.Success {
			results[i] = result
			continue
		}
		if retry.IsTerminal(errors.New(result.ErrorMessage)) {
			e.logger.Printf("Non-retryable failure for %s %.2f: %s",
				orders[i].Symbol, orders[i].Strike, result.ErrorMessage)
			results[i] = result
			continue
		}
		e.logger.Printf("Retrying failed order %d individually", i+1)
		results[i] = e.SubmitSingleWithRetry(ctx, orders[i])
	}
	return results
}

// SubmitSingleWithRetry submits one order under the retry policy and returns
// the last result seen. Terminal broker errors stop retrying immediately.
func (e *Executor) SubmitSingleWithRetry(ctx context.Context, order positions.CoveredCallOrder) broker.OrderResult {
	var last broker.OrderResult
	op := fmt.Sprintf("covered call %s %.2f x%d", order.Symbol, order.Strike, order.Quantity)

	err := e.config.RetryPolicy.Do(ctx, e.logger, op, func() error {
		result, err := e.broker.SubmitCoveredCallOrder(ticketFor(order))
		if err != nil {
			last = broker.OrderResult{Status: "error", ErrorMessage: err.Error()}
			return err
		}
		last = *result
		if !result.Success {
			msg := result.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("order status %q", result.Status)
			}
			return errors.New(msg)
		}
		return nil
	})
	if err != nil {
		if last.Status == "" {
			last.Status = "max_retries_exceeded"
		}
		if last.ErrorMessage == "" {
			last.ErrorMessage = err.Error()
		}
	}
	return last
}

// SubmitSpreadWithRetry submits a credit spread under the retry policy.
// Structural validation runs first so a malformed spread is rejected
// immediately instead of consuming retry attempts against the broker.
func (e *Executor) SubmitSpreadWithRetry(ctx context.Context, order broker.SpreadOrder) broker.OrderResult {
	if err := order.Validate(); err != nil {
		e.logger.Printf("Spread order rejected before submission: %v", err)
		return broker.OrderResult{Status: "validation_failed", ErrorMessage: err.Error()}
	}

	if e.dryRun {
		e.logger.Printf("[DRY-RUN] Simulating %s credit spread for %s %.2f/%.2f exp %s x%d",
			order.OptionType, order.Symbol, order.ShortStrike, order.LongStrike,
			order.Expiration.Format("2006-01-02"), order.Quantity)
		return broker.OrderResult{
			OrderID:        fmt.Sprintf("DRY-RUN-SPREAD-%s-%s", order.Symbol, uuid.NewString()[:8]),
			Status:         "simulated",
			Success:        true,
			FilledQuantity: float64(order.Quantity),
		}
	}

	var last broker.OrderResult
	op := fmt.Sprintf("%s credit spread %s %.2f/%.2f x%d",
		order.OptionType, order.Symbol, order.ShortStrike, order.LongStrike, order.Quantity)

	err := e.config.RetryPolicy.Do(ctx, e.logger, op, func() error {
		result, err := e.broker.SubmitSpreadOrder(order)
		if err != nil {
			last = broker.OrderResult{Status: "error", ErrorMessage: err.Error()}
			return err
		}
		last = *result
		if !result.Success {
			msg := result.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("order status %q", result.Status)
			}
			return errors.New(msg)
		}
		return nil
	})
	if err != nil {
		if last.Status == "" {
			last.Status = "max_retries_exceeded"
		}
		if last.ErrorMessage == "" {
			last.ErrorMessage = err.Error()
		}
	}
	return last
}

// WaitForFill polls an order until it completely fills, fails, or the
// configured timeout elapses. Transient status errors keep the poll alive.
func (e *Executor) WaitForFill(ctx context.Context, orderID string, quantity int) (*broker.OrderResult, error) {
	const epsilon = broker.QuantityEpsilon

	pollCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return nil, fmt.Errorf("order %s fill polling timed out: %w", orderID, pollCtx.Err())
		case <-ticker.C:
			statusCtx, statusCancel := context.WithTimeout(pollCtx, e.config.CallTimeout)
			status, err := e.broker.GetOrderStatusCtx(statusCtx, orderID)
			statusCancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					e.logger.Printf("Order status timeout for %s, retrying", orderID)
					continue
				}
				e.logger.Printf("Error checking order status for %s: %v", orderID, err)
				continue
			}
			if status == nil || status.Status == "" {
				e.logger.Printf("Order %s has empty status, cannot determine state", orderID)
				continue
			}

			state := strings.ToLower(status.Status)
			filled := state == "filled" ||
				(quantity > 0 && status.FilledQuantity >= float64(quantity)-epsilon)
			if filled && status.FilledQuantity > epsilon {
				e.logger.Printf("Order %s completely filled: %.0f at %.2f",
					orderID, status.FilledQuantity, status.AvgFillPrice)
				return status, nil
			}

			switch state {
			case "canceled", "cancelled", "rejected", "expired":
				e.logger.Printf("Order %s failed: %s", orderID, status.Status)
				return status, nil
			case "pending", "open", "partial", "partially_filled", "filled":
				continue
			default:
				e.logger.Printf("Unknown order status for %s: %s", orderID, status.Status)
				continue
			}
		}
	}
}

func (e *Executor) simulateOrders(orders []positions.CoveredCallOrder) []broker.OrderResult {
	results := make([]broker.OrderResult, len(orders))
	for i, order := range orders {
		e.logger.Printf("[DRY-RUN] Simulating covered call order for %s %.2f exp %s x%d",
			order.Symbol, order.Strike, order.Expiration.Format("2006-01-02"), order.Quantity)
		results[i] = broker.OrderResult{
			OrderID:        fmt.Sprintf("DRY-RUN-CC-%s-%s", order.Symbol, uuid.NewString()[:8]),
			Status:         "simulated",
			Success:        true,
			FilledQuantity: float64(order.Quantity),
		}
	}
	return results
}

// collectResults splits submission results into successful and failed sets
// and tallies collected premium. Only orders reporting an average fill price
// contribute premium; an unpriced fill is counted successful but stays out of
// the total so downstream ledger recording never books invented dollars.
func (e *Executor) collectResults(orders []positions.CoveredCallOrder, results []broker.OrderResult) BatchResult {
	batch := BatchResult{}

	for i, order := range orders {
		result := results[i]
		if result.Success {
			batch.Successful = append(batch.Successful, ExecutedOrder{Order: order, Result: result})

			if result.AvgFillPrice > 0 {
				batch.TotalPremiumCollected += result.AvgFillPrice * float64(order.Quantity) * positions.SharesPerContract
			} else {
				e.logger.Printf("Order %s reported no fill price; premium left out of the batch total",
					result.OrderID)
			}

			e.logger.Printf("Order successful for %s %.2f exp %s x%d: %s",
				order.Symbol, order.Strike, order.Expiration.Format("2006-01-02"),
				order.Quantity, result.OrderID)
		} else {
			batch.Failed = append(batch.Failed, ExecutedOrder{Order: order, Result: result})
			e.logger.Printf("Order failed for %s %.2f exp %s: %s",
				order.Symbol, order.Strike, order.Expiration.Format("2006-01-02"), result.ErrorMessage)
		}
	}

	batch.Summary.SuccessfulOrders = len(batch.Successful)
	if len(orders) > 0 {
		batch.Summary.SuccessRate = float64(len(batch.Successful)) / float64(len(orders))
	}
	batch.PartialSuccess = len(batch.Successful) > 0 && len(batch.Failed) > 0
	return batch
}

func ticketFor(order positions.CoveredCallOrder) broker.CoveredCallTicket {
	return broker.CoveredCallTicket{
		Symbol:     order.Symbol,
		Strike:     order.Strike,
		Expiration: order.Expiration,
		Quantity:   order.Quantity,
		Tag:        "covered-call",
	}
}
