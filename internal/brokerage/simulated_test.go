package brokerage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmcrae/brokersync/internal/types"
)

func orderRequest(clientOrderID string) OrderRequest {
	return OrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     "LIMIT",
		Quantity:      10,
		LimitPrice:    185,
	}
}

func TestCreateOrderIsIdempotentOnClientOrderID(t *testing.T) {
	broker := NewSimulated()

	first, err := broker.CreateOrder(context.Background(), orderRequest("co-1"))
	require.NoError(t, err)

	second, err := broker.CreateOrder(context.Background(), orderRequest("co-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	orders, err := broker.GetOrders(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestTimeoutNextCreateAcceptsOrderServerSide(t *testing.T) {
	broker := NewSimulated()
	broker.TimeoutNextCreate()

	_, err := broker.CreateOrder(context.Background(), orderRequest("co-1"))
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err))

	// The order is live despite the lost response.
	order, err := broker.GetOrderByClientOrderID(context.Background(), "co-1")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusNew, order.Status)
}

func TestRejectNextCreateDoesNotAcceptOrder(t *testing.T) {
	broker := NewSimulated()
	broker.RejectNextCreate("symbol halted")

	_, err := broker.CreateOrder(context.Background(), orderRequest("co-1"))
	require.Error(t, err)
	assert.True(t, IsRejection(err))

	_, err = broker.GetOrderByClientOrderID(context.Background(), "co-1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFillOrderUpdatesPositionBook(t *testing.T) {
	broker := NewSimulated()

	_, err := broker.CreateOrder(context.Background(), orderRequest("co-1"))
	require.NoError(t, err)
	require.NoError(t, broker.FillOrder("co-1", 186))

	order, err := broker.GetOrderByClientOrderID(context.Background(), "co-1")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.Equal(t, 10.0, order.FilledQuantity)

	positions, err := broker.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, 10.0, positions[0].Quantity)
}

func TestClosePositionFlattensSymbol(t *testing.T) {
	broker := NewSimulated()
	broker.SeedPosition(Position{
		Symbol: "AAPL", Quantity: 10, AvgEntryPrice: 180, MarketValue: 1800, Side: types.SideBuy,
	})

	order, err := broker.ClosePosition(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, types.SideSell, order.Side)
	assert.Equal(t, 10.0, order.Quantity)

	positions, err := broker.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCancelAllOrdersSkipsTerminalOrders(t *testing.T) {
	broker := NewSimulated()

	_, err := broker.CreateOrder(context.Background(), orderRequest("co-open"))
	require.NoError(t, err)
	_, err = broker.CreateOrder(context.Background(), orderRequest("co-filled"))
	require.NoError(t, err)
	require.NoError(t, broker.FillOrder("co-filled", 186))

	require.NoError(t, broker.CancelAllOrders(context.Background()))

	open, err := broker.GetOrderByClientOrderID(context.Background(), "co-open")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCanceled, open.Status)

	filled, err := broker.GetOrderByClientOrderID(context.Background(), "co-filled")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, filled.Status)
}
