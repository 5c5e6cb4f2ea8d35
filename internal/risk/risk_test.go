package risk

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/brokerage"
	"github.com/kmcrae/brokersync/internal/queue"
	"github.com/kmcrae/brokersync/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "risk.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Limits{}, &types.Position{}, &queue.WorkItem{}))
	return db
}

func newTestGate(t *testing.T, gormDB *gorm.DB, broker brokerage.Client) *Gate {
	t.Helper()
	gate, err := NewGate(gormDB, broker, queue.NewService(gormDB))
	require.NoError(t, err)
	return gate
}

func policyRule(t *testing.T, err error) string {
	t.Helper()
	var policy *PolicyError
	require.ErrorAs(t, err, &policy)
	return policy.Rule
}

func TestNewGateSeedsDefaultLimits(t *testing.T) {
	gate := newTestGate(t, newTestDB(t), brokerage.NewSimulated())

	limits := gate.Limits()
	assert.Equal(t, ModeSemiAuto, limits.TradingMode)
	assert.Equal(t, 50.0, limits.MaxTotalExposurePercent)
	assert.False(t, limits.KillSwitchActive)
}

func TestCheckOrderBlocksExposureBreach(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 100000, LastEquity: 100000})
	gate := newTestGate(t, gormDB, broker)

	// 48% of equity already deployed; a 7k order would land at 55%.
	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "AAPL", Quantity: 100, AvgEntryPrice: 280, MarketValue: 28000, Side: types.SideBuy,
	}).Error)
	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "MSFT", Quantity: 50, AvgEntryPrice: 400, MarketValue: 20000, Side: types.SideBuy,
	}).Error)

	err := gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "TSLA",
		Side:     types.SideBuy,
		Notional: 7000,
		Origin:   OriginAutomatic,
	})
	assert.Equal(t, "max_total_exposure", policyRule(t, err))

	// A smaller order stays under the limit and passes.
	err = gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "TSLA",
		Side:     types.SideBuy,
		Notional: 1000,
		Origin:   OriginAutomatic,
	})
	assert.NoError(t, err)
}

// A market order specified by quantity alone carries no notional; the gate
// must size it from the symbol's position entry price rather than waving it
// through as zero exposure.
func TestCheckOrderSizesQuantityOrderFromPositionBasis(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 100000, LastEquity: 100000})
	gate := newTestGate(t, gormDB, broker)

	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "AAPL", Quantity: 100, AvgEntryPrice: 480, MarketValue: 48000, Side: types.SideBuy,
	}).Error)

	// 10 more shares at the 480 entry basis lands at 52.8% of equity.
	err := gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: 10,
		Origin:   OriginAutomatic,
	})
	assert.Equal(t, "max_total_exposure", policyRule(t, err))
}

func TestCheckOrderRefusesQuantityOrderWithoutPriceBasis(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 100000, LastEquity: 100000})
	gate := newTestGate(t, gormDB, broker)

	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "AAPL", Quantity: 100, AvgEntryPrice: 480, MarketValue: 48000, Side: types.SideBuy,
	}).Error)

	// No TSLA position and no limit price: there is nothing to size the
	// order against, so any quantity must be refused, not passed.
	err := gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "TSLA",
		Side:     types.SideBuy,
		Quantity: 1000000,
		Origin:   OriginAutomatic,
	})
	assert.Equal(t, "notional_basis", policyRule(t, err))
}

func TestCheckOrderBlocksPositionSizeBreach(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 100000, LastEquity: 100000})
	gate := newTestGate(t, gormDB, broker)

	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "AAPL", Quantity: 40, AvgEntryPrice: 200, MarketValue: 8000, Side: types.SideBuy,
	}).Error)

	err := gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Notional: 4000,
		Origin:   OriginAutomatic,
	})
	assert.Equal(t, "max_position_size", policyRule(t, err))
}

func TestManualOriginOverridesLimitRefusalInSemiAuto(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 100000, LastEquity: 100000})
	gate := newTestGate(t, gormDB, broker)

	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "AAPL", Quantity: 100, AvgEntryPrice: 480, MarketValue: 48000, Side: types.SideBuy,
	}).Error)

	check := OrderCheck{Symbol: "TSLA", Side: types.SideBuy, Notional: 7000}

	check.Origin = OriginAutomatic
	assert.Error(t, gate.CheckOrder(context.Background(), check))

	check.Origin = OriginManual
	assert.NoError(t, gate.CheckOrder(context.Background(), check))
}

func TestAutonomousModeEnforcesLimitsOnManualOrders(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 100000, LastEquity: 100000})
	gate := newTestGate(t, gormDB, broker)

	limits := gate.Limits()
	limits.TradingMode = ModeAutonomous
	_, err := gate.UpdateLimits(limits)
	require.NoError(t, err)

	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "AAPL", Quantity: 100, AvgEntryPrice: 480, MarketValue: 48000, Side: types.SideBuy,
	}).Error)

	err = gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "TSLA",
		Side:     types.SideBuy,
		Notional: 7000,
		Origin:   OriginManual,
	})
	assert.Equal(t, "max_total_exposure", policyRule(t, err))
}

func TestManualModeRefusesAutomaticSubmissions(t *testing.T) {
	gormDB := newTestDB(t)
	gate := newTestGate(t, gormDB, brokerage.NewSimulated())

	limits := gate.Limits()
	limits.TradingMode = ModeManual
	_, err := gate.UpdateLimits(limits)
	require.NoError(t, err)

	err = gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Notional: 1000,
		Origin:   OriginAutomatic,
	})
	assert.Equal(t, "trading_mode", policyRule(t, err))

	// Operator-triggered orders still flow in manual mode.
	err = gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Notional: 1000,
		Origin:   OriginManual,
	})
	assert.NoError(t, err)
}

func TestKillSwitchBlocksAllOriginsAndSurvivesRestart(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	gate := newTestGate(t, gormDB, broker)

	require.NoError(t, gate.ActivateKillSwitch("manual halt"))

	check := OrderCheck{Symbol: "AAPL", Side: types.SideBuy, Notional: 100, Origin: OriginManual}
	assert.Equal(t, "kill_switch", policyRule(t, gate.CheckOrder(context.Background(), check)))

	// A fresh gate over the same store models a process restart: the switch
	// stays engaged until an operator clears it.
	restarted := newTestGate(t, gormDB, broker)
	assert.True(t, restarted.Limits().KillSwitchActive)
	assert.Equal(t, "kill_switch", policyRule(t, restarted.CheckOrder(context.Background(), check)))

	require.NoError(t, restarted.DeactivateKillSwitch())
	assert.NoError(t, restarted.CheckOrder(context.Background(), check))
}

func TestUpdateLimitsCannotClearKillSwitch(t *testing.T) {
	gate := newTestGate(t, newTestDB(t), brokerage.NewSimulated())

	require.NoError(t, gate.ActivateKillSwitch("halt"))

	update := gate.Limits()
	update.KillSwitchActive = false
	update.KillSwitchReason = ""
	_, err := gate.UpdateLimits(update)
	require.NoError(t, err)

	assert.True(t, gate.Limits().KillSwitchActive)
	assert.Equal(t, "halt", gate.Limits().KillSwitchReason)
}

func TestEvaluateDailyLossActivatesKillSwitchAndSchedulesLiquidation(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 94000, LastEquity: 100000})
	gate := newTestGate(t, gormDB, broker)

	require.NoError(t, gate.EvaluateDailyLoss(context.Background()))

	limits := gate.Limits()
	assert.True(t, limits.KillSwitchActive)
	assert.Contains(t, limits.KillSwitchReason, "daily loss")

	queueService := queue.NewService(gormDB)
	items, err := queueService.GetWorkItems("", queue.TypeCloseAllPositions, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Re-evaluating after the breach does not schedule a second liquidation.
	require.NoError(t, gate.EvaluateDailyLoss(context.Background()))
	items, err = queueService.GetWorkItems("", queue.TypeCloseAllPositions, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEvaluateDailyLossIgnoresSmallDrawdown(t *testing.T) {
	broker := brokerage.NewSimulated()
	broker.SetAccount(brokerage.Account{Equity: 98000, LastEquity: 100000})
	gate := newTestGate(t, newTestDB(t), broker)

	require.NoError(t, gate.EvaluateDailyLoss(context.Background()))
	assert.False(t, gate.Limits().KillSwitchActive)
}

func TestCheckOrderPropagatesAccountErrors(t *testing.T) {
	gormDB := newTestDB(t)
	broker := &accountErrorBroker{Simulated: brokerage.NewSimulated()}
	gate := newTestGate(t, gormDB, broker)

	err := gate.CheckOrder(context.Background(), OrderCheck{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Notional: 1000,
		Origin:   OriginAutomatic,
	})
	require.Error(t, err)

	var policy *PolicyError
	assert.False(t, errors.As(err, &policy), "an infrastructure error is retryable, not a policy refusal")
}

type accountErrorBroker struct {
	*brokerage.Simulated
}

func (b *accountErrorBroker) GetAccount(ctx context.Context) (*brokerage.Account, error) {
	return nil, errors.New("brokerage unavailable")
}
