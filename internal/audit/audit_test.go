package audit

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/aristath/pitboss/internal/testing"
)

func newTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "audit")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestRepository_RecordAndRecent(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	err := repo.Record(Event{
		Type:      TypePipelineStarted,
		RequestID: "req-1",
		TraceID:   "trace-1",
		Symbol:    "BTC-USD",
		Detail:    map[string]any{"source": "schedule"},
	})
	require.NoError(t, err)

	err = repo.Record(Event{
		Type:      TypeOrderFilled,
		RequestID: "req-1",
		TraceID:   "trace-1",
		Symbol:    "BTC-USD",
		Detail:    map[string]any{"profit": 10.0},
	})
	require.NoError(t, err)

	events, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Most recent first.
	assert.Equal(t, TypeOrderFilled, events[0].Type)
	assert.Equal(t, TypePipelineStarted, events[1].Type)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, 10.0, events[0].Detail["profit"])
	assert.NotEmpty(t, events[0].TS)
}

func TestRepository_ByRequest(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	for _, e := range []Event{
		{Type: TypePipelineStarted, RequestID: "req-1"},
		{Type: TypeRiskApproved, RequestID: "req-1"},
		{Type: TypePipelineStarted, RequestID: "req-2"},
	} {
		require.NoError(t, repo.Record(e))
	}

	events, err := repo.ByRequest("req-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypePipelineStarted, events[0].Type)
	assert.Equal(t, TypeRiskApproved, events[1].Type)
}

func TestRepository_CountsByType(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Record(Event{Type: TypeOrderFilled, RequestID: "req"}))
	}
	require.NoError(t, repo.Record(Event{Type: TypeHaltSet}))

	counts, err := repo.CountsByType()
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[TypeOrderFilled])
	assert.Equal(t, int64(1), counts[TypeHaltSet])
}

func TestRepository_RecordWithoutOptionalFields(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Record(Event{Type: TypePnLReset}))

	events, err := repo.Recent(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].RequestID)
	assert.Empty(t, events[0].Symbol)
	assert.Nil(t, events[0].Detail)
}
