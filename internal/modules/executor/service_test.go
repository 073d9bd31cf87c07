package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/stream"
	testingpkg "github.com/aristath/pitboss/internal/testing"
)

var _ Store = (*testingpkg.FakeBroker)(nil)

func newTestService(t *testing.T, cfg Config) (*Service, *stream.Consumer, *testingpkg.FakeBroker, *testingpkg.MockExchange, *metrics.Registry) {
	t.Helper()

	fb := testingpkg.NewFakeBroker()
	reg := metrics.NewRegistry()
	adapter := testingpkg.NewMockExchange("paper")
	orders := NewOrderStore(fb, zerolog.Nop())
	svc := NewService(fb, orders, adapter, reg, cfg, zerolog.Nop())
	consumer := stream.NewConsumer(fb, reg, svc.consumerConfig(), zerolog.Nop())
	require.NoError(t, fb.EnsureGroup(context.Background(), consumer.Stream(), consumer.Group()))
	return svc, consumer, fb, adapter, reg
}

func appendOrder(t *testing.T, fb *testingpkg.FakeBroker, order domain.Order) {
	t.Helper()
	_, err := stream.Append(context.Background(), fb, domain.StreamOrders, order)
	require.NoError(t, err)
}

func decodeStatuses(t *testing.T, fb *testingpkg.FakeBroker) []domain.OrderStatus {
	t.Helper()

	var out []domain.OrderStatus
	for _, e := range fb.Entries(domain.StreamOrderStatus) {
		payload, err := stream.DecodePayload(e.Values)
		require.NoError(t, err)
		var status domain.OrderStatus
		require.NoError(t, domain.DecodeInto(payload, &status))
		out = append(out, status)
	}
	return out
}

func TestService_FillsOrderAndReportsStatus(t *testing.T) {
	ctx := context.Background()
	svc, consumer, fb, adapter, reg := newTestService(t, Config{ProfitPerTrade: 10})

	appendOrder(t, fb, domain.Order{
		OrderID: "ord-1", Symbol: "BTC-USD", Side: "buy", Qty: 1, TraceID: "trace-1",
	})

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	require.Len(t, adapter.Calls(), 1)
	assert.Equal(t, "ord-1", adapter.Calls()[0].OrderID)

	statuses := decodeStatuses(t, fb)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusFilled, statuses[0].Status)
	assert.Equal(t, "ord-1", statuses[0].OrderID)
	assert.Equal(t, "trace-1", statuses[0].TraceID)
	require.NotNil(t, statuses[0].Profit)
	assert.Equal(t, 10.0, *statuses[0].Profit, "profit is configured profit minus fee")
	require.NotNil(t, statuses[0].Price)
	assert.Equal(t, 100.0, *statuses[0].Price)

	record, err := svc.orders.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Terminal())
	assert.Equal(t, "BTC-USD", record.Symbol)
	assert.NotEmpty(t, record.ReceivedTS)

	assert.Equal(t, int64(1), reg.Counter(metrics.OrdersFilled))
}

func TestService_FeeReducesProfit(t *testing.T) {
	ctx := context.Background()
	_, consumer, fb, adapter, _ := newTestService(t, Config{ProfitPerTrade: 10})

	adapter.SetResult(&domain.OrderResult{Filled: true, Price: 100, Fee: 2.5})

	appendOrder(t, fb, domain.Order{OrderID: "ord-2", Symbol: "BTC-USD", Side: "buy", Qty: 1})

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	statuses := decodeStatuses(t, fb)
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].Profit)
	assert.Equal(t, 7.5, *statuses[0].Profit)
}

func TestService_TerminalOrderNotReplayed(t *testing.T) {
	ctx := context.Background()
	svc, consumer, fb, adapter, _ := newTestService(t, Config{ProfitPerTrade: 10})

	// A filled record already exists; only the acknowledgment was lost.
	require.NoError(t, svc.orders.PutStatus(ctx, "ord-3", domain.OrderStatus{
		OrderID: "ord-3", Status: domain.StatusFilled, TS: domain.Now(),
	}))

	appendOrder(t, fb, domain.Order{OrderID: "ord-3", Symbol: "BTC-USD", Side: "buy", Qty: 1})

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	assert.Empty(t, adapter.Calls(), "terminal orders never reach the venue again")
	assert.Empty(t, decodeStatuses(t, fb))
	assert.Empty(t, fb.PendingIDs(domain.StreamOrders, domain.GroupExec), "duplicate is acknowledged")
}

func TestService_DuplicateDeliverySuppressed(t *testing.T) {
	ctx := context.Background()
	_, consumer, fb, adapter, _ := newTestService(t, Config{ProfitPerTrade: 10})

	order := domain.Order{OrderID: "ord-4", Symbol: "BTC-USD", Side: "buy", Qty: 1}
	appendOrder(t, fb, order)
	appendOrder(t, fb, order)

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	assert.Len(t, adapter.Calls(), 1)
	assert.Len(t, decodeStatuses(t, fb), 1)
}

func TestService_VenueErrorRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	_, consumer, fb, adapter, reg := newTestService(t, Config{ProfitPerTrade: 10, MaxFailures: 2})

	adapter.SetError(errors.New("venue down"))

	appendOrder(t, fb, domain.Order{OrderID: "ord-5", Symbol: "BTC-USD", Side: "buy", Qty: 1})

	for i := 0; i < 3; i++ {
		_, err := consumer.Sweep(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, adapter.Calls(), 2, "attempts stop at the failure cap")
	assert.Len(t, fb.Entries(domain.DLQStream(domain.StreamOrders)), 1)
	assert.Empty(t, decodeStatuses(t, fb))
	assert.Equal(t, int64(1), reg.Counter(metrics.DLQMoves))
}

func TestService_UnfilledResultReportsRejected(t *testing.T) {
	ctx := context.Background()
	_, consumer, fb, adapter, reg := newTestService(t, Config{ProfitPerTrade: 10})

	adapter.SetResult(&domain.OrderResult{Filled: false})

	appendOrder(t, fb, domain.Order{OrderID: "ord-6", Symbol: "BTC-USD", Side: "sell", Qty: 1})

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	statuses := decodeStatuses(t, fb)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusRejected, statuses[0].Status)
	assert.Nil(t, statuses[0].Profit)
	assert.Equal(t, int64(1), reg.Counter(metrics.OrdersRejected))
}
