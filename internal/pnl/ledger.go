// Package pnl tracks realized profit and loss per UTC day and the daily
// target halt flag. State lives in one KV hash per day, so every agent and
// the admin surface read the same numbers.
package pnl

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the slice of the KV client the ledger needs.
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values ...any) error
	HIncrByFloat(ctx context.Context, key, field string, x float64) (float64, error)
	Del(ctx context.Context, keys ...string) error
}

// Config seeds each new trading day.
type Config struct {
	StartEquity    float64 // equity the day's percent is computed against
	DailyTargetPct float64 // halt threshold in percent, <= 0 disables halting
}

// Status is the day's ledger snapshot.
type Status struct {
	Date           string  `json:"date"`
	StartEquity    float64 `json:"startEquity"`
	Realized       float64 `json:"realized"`
	Percent        float64 `json:"percent"`
	DailyTargetPct float64 `json:"dailyTargetPct"`
	Halted         bool    `json:"halted"`
}

// TargetReached reports whether the day's gain is at or past the halt
// threshold.
func (s *Status) TargetReached() bool {
	return s.DailyTargetPct > 0 && s.Percent >= s.DailyTargetPct
}

// Ledger owns the day hash. The mutex serializes the lazy day
// initialization; increments themselves are atomic on the store.
type Ledger struct {
	store Store
	cfg   Config
	log   zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewLedger creates a ledger over the given store.
func NewLedger(store Store, cfg Config, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "pnl").Logger(),
		now:   time.Now,
	}
}

// DayKey returns the hash key for t's UTC date.
func DayKey(t time.Time) string {
	return "pnl:" + t.UTC().Format("2006-01-02")
}

// Status returns the current day's snapshot, initializing the day on first
// touch. Percent is recomputed from realized and startEquity on every read,
// so a stale stored percent can never mask the real figure.
func (l *Ledger) Status(ctx context.Context) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, fields, err := l.ensureDay(ctx)
	if err != nil {
		return nil, err
	}
	return l.parse(fields), nil
}

// Increment adds delta to the day's realized total, stores the refreshed
// percent and returns the resulting snapshot.
func (l *Ledger) Increment(ctx context.Context, delta float64) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, fields, err := l.ensureDay(ctx)
	if err != nil {
		return nil, err
	}

	realized, err := l.store.HIncrByFloat(ctx, key, "realized", delta)
	if err != nil {
		return nil, fmt.Errorf("increment realized: %w", err)
	}

	fields["realized"] = formatFloat(realized)
	status := l.parse(fields)
	if err := l.store.HSet(ctx, key, "percent", formatFloat(status.Percent)); err != nil {
		return nil, fmt.Errorf("store percent: %w", err)
	}

	l.log.Debug().
		Float64("delta", delta).
		Float64("realized", status.Realized).
		Float64("percent", status.Percent).
		Msg("Realized PnL updated")
	return status, nil
}

// SetHalted flips the day's halt flag.
func (l *Ledger) SetHalted(ctx context.Context, halted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, _, err := l.ensureDay(ctx)
	if err != nil {
		return err
	}

	flag := "0"
	if halted {
		flag = "1"
	}
	if err := l.store.HSet(ctx, key, "halted", flag); err != nil {
		return fmt.Errorf("store halted flag: %w", err)
	}

	l.log.Info().Bool("halted", halted).Str("day", key).Msg("Halt flag updated")
	return nil
}

// IsHalted reports the day's halt flag.
func (l *Ledger) IsHalted(ctx context.Context) (bool, error) {
	status, err := l.Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Halted, nil
}

// Reset deletes the current day's hash and reinitializes it, clearing
// realized PnL and the halt flag.
func (l *Ledger) Reset(ctx context.Context) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := DayKey(l.now())
	if err := l.store.Del(ctx, key); err != nil {
		return nil, fmt.Errorf("clear day hash: %w", err)
	}

	_, fields, err := l.ensureDay(ctx)
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("day", key).Msg("PnL day reset")
	return l.parse(fields), nil
}

// ensureDay initializes the hash for the current UTC date when absent and
// returns the key with the day's fields. Rolling past midnight lands here
// with a fresh key, which resets realized PnL and the halt flag.
func (l *Ledger) ensureDay(ctx context.Context) (string, map[string]string, error) {
	date := l.now().UTC().Format("2006-01-02")
	key := "pnl:" + date

	fields, err := l.store.HGetAll(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("read day hash: %w", err)
	}
	if len(fields) > 0 {
		return key, fields, nil
	}

	fields = map[string]string{
		"date":           date,
		"startEquity":    formatFloat(l.cfg.StartEquity),
		"realized":       "0",
		"percent":        "0",
		"dailyTargetPct": formatFloat(l.cfg.DailyTargetPct),
		"halted":         "0",
	}
	if err := l.store.HSet(ctx, key,
		"date", fields["date"],
		"startEquity", fields["startEquity"],
		"realized", fields["realized"],
		"percent", fields["percent"],
		"dailyTargetPct", fields["dailyTargetPct"],
		"halted", fields["halted"],
	); err != nil {
		return "", nil, fmt.Errorf("initialize day hash: %w", err)
	}

	l.log.Info().Str("day", key).Float64("start_equity", l.cfg.StartEquity).Msg("Trading day initialized")
	return key, fields, nil
}

// parse converts hash fields into a snapshot, recomputing percent.
func (l *Ledger) parse(fields map[string]string) *Status {
	s := &Status{
		Date:   fields["date"],
		Halted: fields["halted"] == "1",
	}
	s.StartEquity, _ = strconv.ParseFloat(fields["startEquity"], 64)
	s.Realized, _ = strconv.ParseFloat(fields["realized"], 64)
	s.DailyTargetPct, _ = strconv.ParseFloat(fields["dailyTargetPct"], 64)
	if s.StartEquity > 0 {
		s.Percent = 100 * s.Realized / s.StartEquity
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
