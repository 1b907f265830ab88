// Package session knows when the markets the strategies trade are open.
package session

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Markets
const (
	MarketUS = "US"
	MarketHK = "HK"
	MarketCN = "CN"
)

// TradingWindow is one continuous trading period within a day
type TradingWindow struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
}

// Calendar defines trading hours and holidays for a market
type Calendar struct {
	Market         string
	Timezone       *time.Location
	TradingWindows []TradingWindow
	Holidays       map[string]bool // YYYY-MM-DD in market time
}

// Service answers session questions for all known markets
type Service struct {
	calendars map[string]*Calendar
	log       zerolog.Logger
}

// NewService builds the default calendars
func NewService(log zerolog.Logger) *Service {
	s := &Service{
		calendars: make(map[string]*Calendar),
		log:       log.With().Str("component", "market_session").Logger(),
	}
	s.initializeCalendars()
	return s
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Fixed offsets keep the service usable without tzdata; no DST.
		switch name {
		case "America/New_York":
			return time.FixedZone("ET", -5*3600)
		default:
			return time.FixedZone("CST", 8*3600)
		}
	}
	return loc
}

func dates(days ...string) map[string]bool {
	out := make(map[string]bool, len(days))
	for _, d := range days {
		out[d] = true
	}
	return out
}

func (s *Service) initializeCalendars() {
	s.calendars[MarketUS] = &Calendar{
		Market:   MarketUS,
		Timezone: mustLoad("America/New_York"),
		TradingWindows: []TradingWindow{
			{OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0},
		},
		Holidays: dates(
			"2026-01-01", // New Year's Day
			"2026-01-19", // MLK Day
			"2026-02-16", // Presidents Day
			"2026-04-03", // Good Friday
			"2026-05-25", // Memorial Day
			"2026-06-19", // Juneteenth
			"2026-07-03", // Independence Day (observed)
			"2026-09-07", // Labor Day
			"2026-11-26", // Thanksgiving
			"2026-12-25", // Christmas
		),
	}

	s.calendars[MarketHK] = &Calendar{
		Market:   MarketHK,
		Timezone: mustLoad("Asia/Hong_Kong"),
		TradingWindows: []TradingWindow{
			{OpenHour: 9, OpenMinute: 30, CloseHour: 12, CloseMinute: 0},
			{OpenHour: 13, OpenMinute: 0, CloseHour: 16, CloseMinute: 0},
		},
		Holidays: dates(
			"2026-01-01",
			"2026-02-17", "2026-02-18", "2026-02-19", // Lunar New Year
			"2026-04-03", "2026-04-06", "2026-04-07",
			"2026-05-01",
			"2026-05-25",
			"2026-06-19",
			"2026-07-01",
			"2026-10-01",
			"2026-10-19",
			"2026-12-25", "2026-12-26",
		),
	}

	s.calendars[MarketCN] = &Calendar{
		Market:   MarketCN,
		Timezone: mustLoad("Asia/Shanghai"),
		TradingWindows: []TradingWindow{
			{OpenHour: 9, OpenMinute: 30, CloseHour: 11, CloseMinute: 30},
			{OpenHour: 13, OpenMinute: 0, CloseHour: 15, CloseMinute: 0},
		},
		Holidays: dates(
			"2026-01-01", "2026-01-02",
			"2026-02-16", "2026-02-17", "2026-02-18", "2026-02-19", "2026-02-20",
			"2026-04-06",
			"2026-05-01", "2026-05-04", "2026-05-05",
			"2026-06-19",
			"2026-09-25",
			"2026-10-01", "2026-10-02", "2026-10-05", "2026-10-06", "2026-10-07",
		),
	}
}

// MarketFor infers the market from the instrument suffix. An explicit
// class market wins.
func MarketFor(instrument, classMarket string) string {
	if classMarket != "" {
		return strings.ToUpper(classMarket)
	}
	upper := strings.ToUpper(instrument)
	switch {
	case strings.HasSuffix(upper, ".HK"):
		return MarketHK
	case strings.HasSuffix(upper, ".SH"), strings.HasSuffix(upper, ".SZ"):
		return MarketCN
	default:
		return MarketUS
	}
}

func (c *Calendar) tradingDay(local time.Time) bool {
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.Holidays[local.Format("2006-01-02")]
}

func (c *Calendar) window(local time.Time, w TradingWindow) (time.Time, time.Time) {
	y, m, d := local.Date()
	open := time.Date(y, m, d, w.OpenHour, w.OpenMinute, 0, 0, c.Timezone)
	closeAt := time.Date(y, m, d, w.CloseHour, w.CloseMinute, 0, 0, c.Timezone)
	return open, closeAt
}

// IsOpen reports whether the market is inside a trading window at t
func (s *Service) IsOpen(market string, t time.Time) bool {
	cal, ok := s.calendars[market]
	if !ok {
		s.log.Warn().Str("market", market).Msg("Unknown market, treating as closed")
		return false
	}
	local := t.In(cal.Timezone)
	if !cal.tradingDay(local) {
		return false
	}
	for _, w := range cal.TradingWindows {
		open, closeAt := cal.window(local, w)
		if !local.Before(open) && local.Before(closeAt) {
			return true
		}
	}
	return false
}

// AnyOpen reports whether any of the markets is open
func (s *Service) AnyOpen(markets []string, t time.Time) bool {
	for _, m := range markets {
		if s.IsOpen(m, t) {
			return true
		}
	}
	return false
}

// CloseTime returns the final close of the trading day containing t, and
// false when t is not a trading day.
func (s *Service) CloseTime(market string, t time.Time) (time.Time, bool) {
	cal, ok := s.calendars[market]
	if !ok || len(cal.TradingWindows) == 0 {
		return time.Time{}, false
	}
	local := t.In(cal.Timezone)
	if !cal.tradingDay(local) {
		return time.Time{}, false
	}
	_, closeAt := cal.window(local, cal.TradingWindows[len(cal.TradingWindows)-1])
	return closeAt, true
}

// MinutesToClose is the time left until the final close, 0 once closed
func (s *Service) MinutesToClose(market string, t time.Time) float64 {
	closeAt, ok := s.CloseTime(market, t)
	if !ok || !t.Before(closeAt) {
		return 0
	}
	return closeAt.Sub(t).Minutes()
}

// LocalClock returns hour and minute in market time
func (s *Service) LocalClock(market string, t time.Time) (int, int) {
	cal, ok := s.calendars[market]
	if !ok {
		return t.Hour(), t.Minute()
	}
	local := t.In(cal.Timezone)
	return local.Hour(), local.Minute()
}

// LocalDate returns the market-local date of t
func (s *Service) LocalDate(market string, t time.Time) time.Time {
	cal, ok := s.calendars[market]
	if !ok {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
	local := t.In(cal.Timezone)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, cal.Timezone)
}

var optionSymbol = regexp.MustCompile(`[A-Z]+(\d{6})[CP]`)

// OptionExpiry parses the expiry date out of an option contract symbol such
// as QQQ260219C485000.US. The date is returned at midnight market time.
func (s *Service) OptionExpiry(market, symbol string) (time.Time, bool) {
	core := strings.ToUpper(symbol)
	core = strings.TrimSuffix(strings.TrimSuffix(core, ".US"), ".HK")
	m := optionSymbol.FindStringSubmatch(core)
	if m == nil {
		return time.Time{}, false
	}
	yy, _ := strconv.Atoi(m[1][0:2])
	mm, _ := strconv.Atoi(m[1][2:4])
	dd, _ := strconv.Atoi(m[1][4:6])
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return time.Time{}, false
	}
	year := 2000 + yy
	if yy >= 50 {
		year = 1900 + yy
	}
	loc := time.UTC
	if cal, ok := s.calendars[market]; ok {
		loc = cal.Timezone
	}
	return time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, loc), true
}

// ExpiresOn reports whether expiry falls on the market-local date of t
func (s *Service) ExpiresOn(market string, expiry, t time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return s.LocalDate(market, expiry).Equal(s.LocalDate(market, t))
}
