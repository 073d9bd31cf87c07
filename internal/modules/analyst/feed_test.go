package analyst

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pitboss/internal/domain"
)

func TestFeed_RecordTrimsWindow(t *testing.T) {
	feed := NewFeed("", nil, zerolog.Nop())

	for i := 0; i < WindowSize+10; i++ {
		feed.Record("BTC-USD", float64(i))
	}

	window := feed.Snapshot("BTC-USD")
	require.Len(t, window, WindowSize)
	assert.Equal(t, float64(10), window[0], "oldest entries roll off")
	assert.Equal(t, float64(WindowSize+9), window[len(window)-1])
}

func TestFeed_SnapshotSeedsUnknownSymbol(t *testing.T) {
	feed := NewFeed("", nil, zerolog.Nop())

	window := feed.Snapshot("NEW-USD")
	require.Len(t, window, WindowSize)
	for _, price := range window {
		assert.Greater(t, price, 0.0)
	}

	again := feed.Snapshot("NEW-USD")
	assert.Equal(t, window, again, "seeded window persists across snapshots")
}

func TestFeed_SnapshotReturnsCopy(t *testing.T) {
	feed := NewFeed("", nil, zerolog.Nop())
	feed.Record("BTC-USD", 100)
	feed.Record("BTC-USD", 101)

	window := feed.Snapshot("BTC-USD")
	window[0] = -1

	assert.Equal(t, []float64{100, 101}, feed.Snapshot("BTC-USD"))
}

func TestFeed_WarmsFromHistory(t *testing.T) {
	history := NewHistoryStore(t.TempDir(), zerolog.Nop())

	points := make([]PricePoint, 30)
	for i := range points {
		points[i] = PricePoint{TS: domain.Now(), Price: 100 + float64(i)}
	}
	require.NoError(t, history.SaveBatch("BTC-USD", points))

	feed := NewFeed("", history, zerolog.Nop())
	window := feed.Snapshot("BTC-USD")

	require.Len(t, window, 30)
	assert.Equal(t, 100.0, window[0])
	assert.Equal(t, 129.0, window[29])
}

func TestFeed_FlushPersistsRecordedTicks(t *testing.T) {
	history := NewHistoryStore(t.TempDir(), zerolog.Nop())
	feed := NewFeed("", history, zerolog.Nop())

	feed.Record("ETH-USD", 2000)
	feed.Record("ETH-USD", 2001)
	feed.flushHistory()

	prices, err := history.LoadRecent("ETH-USD", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{2000, 2001}, prices)
}

func TestFeed_Symbols(t *testing.T) {
	feed := NewFeed("", nil, zerolog.Nop())
	feed.Record("ETH-USD", 2000)
	feed.Record("BTC-USD", 100)

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, feed.Symbols())
}

func TestFeed_AdvanceSyntheticExtendsWindows(t *testing.T) {
	feed := NewFeed("", nil, zerolog.Nop())
	feed.Record("BTC-USD", 100)

	feed.advanceSynthetic()
	feed.advanceSynthetic()

	window := feed.Snapshot("BTC-USD")
	require.Len(t, window, 3)
	assert.Equal(t, 100.0, window[0])
	assert.Greater(t, window[2], 0.0)
}
