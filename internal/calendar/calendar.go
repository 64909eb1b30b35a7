// Package calendar answers "is the market open on this date" using the
// broker's market calendar, with a month-level cache and a static holiday
// table as the offline fallback.
package calendar

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/covered_caller/internal/broker"
)

// cacheMaxAge is how long a fetched month stays valid.
const cacheMaxAge = 24 * time.Hour

// Source provides the monthly market calendar. Satisfied by broker.Broker.
type Source interface {
	GetMarketCalendar(month, year int) (*broker.MarketCalendarResponse, error)
}

type monthKey struct {
	year  int
	month time.Month
}

type cachedMonth struct {
	tradingDays map[string]bool // "2006-01-02" -> open
	fetchedAt   time.Time
}

func (c *cachedMonth) stale(now time.Time) bool {
	return now.Sub(c.fetchedAt) > cacheMaxAge
}

// fallbackHolidays is consulted only when the calendar API is unavailable.
var fallbackHolidays = map[string]bool{
	// 2025
	"2025-01-01": true, // New Year's Day
	"2025-01-20": true, // MLK Day
	"2025-02-17": true, // Presidents' Day
	"2025-04-18": true, // Good Friday
	"2025-05-26": true, // Memorial Day
	"2025-06-19": true, // Juneteenth
	"2025-07-04": true, // Independence Day
	"2025-09-01": true, // Labor Day
	"2025-11-27": true, // Thanksgiving
	"2025-12-25": true, // Christmas
	// 2026
	"2026-01-01": true, // New Year's Day
	"2026-01-19": true, // MLK Day
	"2026-02-16": true, // Presidents' Day
	"2026-04-03": true, // Good Friday
	"2026-05-25": true, // Memorial Day
	"2026-06-19": true, // Juneteenth
	"2026-07-03": true, // Independence Day (observed)
	"2026-09-07": true, // Labor Day
	"2026-11-26": true, // Thanksgiving
	"2026-12-25": true, // Christmas
}

// Calendar caches monthly market calendars from the broker.
type Calendar struct {
	source Source
	logger *log.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[monthKey]*cachedMonth
}

// New creates a trading calendar backed by the given source.
func New(source Source, logger *log.Logger) *Calendar {
	if logger == nil {
		logger = log.New(os.Stderr, "calendar: ", log.LstdFlags)
	}
	return &Calendar{
		source: source,
		logger: logger,
		now:    time.Now,
		cache:  make(map[monthKey]*cachedMonth),
	}
}

// IsTradingDay reports whether the market is open on the given date.
// Weekends are always closed; otherwise the broker calendar decides, falling
// back to the static holiday table when the API is unreachable.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}

	key := date.Format("2006-01-02")
	month := c.monthFor(date)
	if month != nil {
		return month.tradingDays[key]
	}
	return !fallbackHolidays[key]
}

// NextTradingDay returns the first trading day strictly after the given date.
// The search is bounded; if nothing opens within ten days the tenth day is
// returned.
func (c *Calendar) NextTradingDay(from time.Time) time.Time {
	current := from.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if c.IsTradingDay(current) {
			return current
		}
		current = current.AddDate(0, 0, 1)
	}
	return from.AddDate(0, 0, 10)
}

// ExpirationFor returns the date itself when it is a trading day, otherwise
// the next trading day. Used to anchor same-day expiration checks.
func (c *Calendar) ExpirationFor(date time.Time) time.Time {
	if c.IsTradingDay(date) {
		return date
	}
	return c.NextTradingDay(date)
}

func (c *Calendar) monthFor(date time.Time) *cachedMonth {
	key := monthKey{year: date.Year(), month: date.Month()}

	c.mu.Lock()
	cached, ok := c.cache[key]
	c.mu.Unlock()
	if ok && !cached.stale(c.now()) {
		return cached
	}

	resp, err := c.source.GetMarketCalendar(int(key.month), key.year)
	if err != nil {
		c.logger.Printf("warning: market calendar fetch failed for %d-%02d, using fallback: %v",
			key.year, key.month, err)
		if ok {
			// Stale data beats the static table.
			return cached
		}
		return nil
	}

	month := &cachedMonth{
		tradingDays: make(map[string]bool),
		fetchedAt:   c.now(),
	}
	for _, day := range resp.Calendar.Days.Day {
		if day.Status == "open" {
			month.tradingDays[day.Date] = true
		}
	}

	c.mu.Lock()
	c.cache[key] = month
	c.mu.Unlock()
	return month
}
