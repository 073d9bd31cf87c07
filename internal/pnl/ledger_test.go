package pnl

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/aristath/pitboss/internal/testing"
)

var _ Store = (*testingpkg.FakeBroker)(nil)

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *testingpkg.FakeBroker) {
	t.Helper()
	fb := testingpkg.NewFakeBroker()
	l := NewLedger(fb, cfg, zerolog.Nop())
	return l, fb
}

func TestLedger_InitializesDayOnFirstTouch(t *testing.T) {
	ctx := context.Background()
	l, fb := newTestLedger(t, Config{StartEquity: 1000, DailyTargetPct: 1.0})

	status, err := l.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, l.now().UTC().Format("2006-01-02"), status.Date)
	assert.Equal(t, 1000.0, status.StartEquity)
	assert.Equal(t, 0.0, status.Realized)
	assert.Equal(t, 0.0, status.Percent)
	assert.Equal(t, 1.0, status.DailyTargetPct)
	assert.False(t, status.Halted)
	assert.False(t, status.TargetReached())

	fields, err := fb.HGetAll(ctx, DayKey(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "0", fields["halted"])
}

func TestLedger_IncrementReachesTarget(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{StartEquity: 1000, DailyTargetPct: 1.0})

	status, err := l.Increment(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, status.Realized)
	assert.Equal(t, 0.4, status.Percent)
	assert.False(t, status.TargetReached())

	status, err = l.Increment(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 10.0, status.Realized)
	assert.Equal(t, 1.0, status.Percent)
	assert.True(t, status.TargetReached())
}

func TestLedger_PercentRecomputedOnRead(t *testing.T) {
	ctx := context.Background()
	l, fb := newTestLedger(t, Config{StartEquity: 2000, DailyTargetPct: 1.0})

	_, err := l.Increment(ctx, 5)
	require.NoError(t, err)

	// A stale stored percent must not survive a read.
	require.NoError(t, fb.HSet(ctx, DayKey(time.Now()), "percent", "99"))

	status, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, status.Percent)
}

func TestLedger_HaltFlag(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{StartEquity: 1000, DailyTargetPct: 1.0})

	halted, err := l.IsHalted(ctx)
	require.NoError(t, err)
	assert.False(t, halted)

	require.NoError(t, l.SetHalted(ctx, true))
	halted, err = l.IsHalted(ctx)
	require.NoError(t, err)
	assert.True(t, halted)

	require.NoError(t, l.SetHalted(ctx, false))
	halted, err = l.IsHalted(ctx)
	require.NoError(t, err)
	assert.False(t, halted)
}

func TestLedger_ResetClearsDay(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{StartEquity: 1000, DailyTargetPct: 1.0})

	_, err := l.Increment(ctx, 25)
	require.NoError(t, err)
	require.NoError(t, l.SetHalted(ctx, true))

	status, err := l.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, status.Realized)
	assert.Equal(t, 0.0, status.Percent)
	assert.False(t, status.Halted)
}

func TestLedger_MidnightRolloverStartsFresh(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Config{StartEquity: 1000, DailyTargetPct: 1.0})

	day1 := time.Date(2026, 3, 9, 23, 50, 0, 0, time.UTC)
	l.now = func() time.Time { return day1 }

	_, err := l.Increment(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, l.SetHalted(ctx, true))

	// Crossing midnight lands on a new day hash with a clean slate.
	l.now = func() time.Time { return day1.Add(20 * time.Minute) }

	status, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", status.Date)
	assert.Equal(t, 0.0, status.Realized)
	assert.False(t, status.Halted)
}

func TestStatus_TargetDisabled(t *testing.T) {
	s := &Status{Percent: 50, DailyTargetPct: 0}
	assert.False(t, s.TargetReached())
}
