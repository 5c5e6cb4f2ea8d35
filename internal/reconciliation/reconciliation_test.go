package reconciliation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/brokerage"
	"github.com/kmcrae/brokersync/internal/execution"
	"github.com/kmcrae/brokersync/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "reconciliation.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&execution.OrderExecutionRecord{},
		&types.Position{},
		&types.Fill{},
		&types.Asset{},
		&Run{},
		&Finding{},
	))
	return db
}

func seedRecord(t *testing.T, db *gorm.DB, record execution.OrderExecutionRecord) {
	t.Helper()
	if record.Version == 0 {
		record.Version = 1
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = time.Now()
	require.NoError(t, db.Create(&record).Error)
}

func getRecord(t *testing.T, db *gorm.DB, clientOrderID string) execution.OrderExecutionRecord {
	t.Helper()
	var record execution.OrderExecutionRecord
	require.NoError(t, db.Where("client_order_id = ?", clientOrderID).First(&record).Error)
	return record
}

// A brokerage-confirmed local order that diverged from brokerage state is
// overwritten from the brokerage, and a second pass over the now-consistent
// ledger records nothing.
func TestReconcileHealsDivergentOrderFromBrokerage(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)

	seedRecord(t, gormDB, execution.OrderExecutionRecord{
		ClientOrderID: "co-1",
		BrokerOrderID: "b-42",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      10,
		Status:        execution.StatusSubmitted,
	})
	broker.SeedOrder(brokerage.Order{
		ID:             "b-42",
		ClientOrderID:  "co-1",
		Symbol:         "AAPL",
		Side:           types.SideBuy,
		Quantity:       10,
		Status:         brokerage.OrderStatusFilled,
		FilledQuantity: 10,
		FilledAvgPrice: 187.3,
		UpdatedAt:      time.Now(),
	})

	run, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.HealedCount)
	assert.Equal(t, 1, run.FindingsCount)

	record := getRecord(t, gormDB, "co-1")
	assert.Equal(t, execution.StatusFilled, record.Status)
	assert.Equal(t, 10.0, record.FilledQuantity)
	assert.Equal(t, 2, record.Version)

	findings, err := service.GetFindings(run.RunID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, CategorySynced, findings[0].Category)
	assert.Equal(t, ResolutionAutoHealed, findings[0].Resolution)

	var fills []types.Fill
	require.NoError(t, gormDB.Where("client_order_id = ?", "co-1").Find(&fills).Error)
	require.Len(t, fills, 1)
	assert.Equal(t, 10.0, fills[0].Quantity)

	// Second pass: nothing diverges, nothing is written.
	second, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, second.HealedCount)
	assert.Equal(t, 0, second.FindingsCount)
	assert.Equal(t, 2, getRecord(t, gormDB, "co-1").Version)
}

func TestReconcileMirrorsUnknownBrokerageOrder(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)

	broker.SeedOrder(brokerage.Order{
		ID:            "b-77",
		ClientOrderID: "co-ext",
		Symbol:        "MSFT",
		Side:          types.SideBuy,
		Quantity:      5,
		Status:        brokerage.OrderStatusAccepted,
		UpdatedAt:     time.Now(),
	})

	run, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.HealedCount)

	record := getRecord(t, gormDB, "co-ext")
	assert.Equal(t, execution.StatusSubmitted, record.Status)
	assert.Equal(t, "b-77", record.BrokerOrderID)

	findings, err := service.GetFindings(run.RunID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, CategoryMissingLocal, findings[0].Category)
	assert.Equal(t, ResolutionAutoHealed, findings[0].Resolution)
}

func TestReconcileCancelsUnrealOrderAfterGraceWindow(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)
	service.SetGraceWindow(0)

	seedRecord(t, gormDB, execution.OrderExecutionRecord{
		ClientOrderID: "co-phantom",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      3,
		Status:        execution.StatusSubmitting,
	})

	run, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.HealedCount)

	record := getRecord(t, gormDB, "co-phantom")
	assert.Equal(t, execution.StatusCanceled, record.Status)

	findings, err := service.GetFindings(run.RunID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, CategoryUnreal, findings[0].Category)
}

func TestReconcileLeavesFreshSubmissionsInGraceWindow(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)

	seedRecord(t, gormDB, execution.OrderExecutionRecord{
		ClientOrderID: "co-fresh",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      3,
		Status:        execution.StatusSubmitting,
	})

	run, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, run.HealedCount)
	assert.Equal(t, 0, run.FindingsCount)
	assert.Equal(t, execution.StatusSubmitting, getRecord(t, gormDB, "co-fresh").Status)
}

// An order the brokerage once confirmed but no longer reports is evidence of
// a possibly-real trade: flagged for an operator, never auto-mutated.
func TestReconcileFlagsOrphanedConfirmedOrder(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)
	service.SetGraceWindow(0)

	seedRecord(t, gormDB, execution.OrderExecutionRecord{
		ClientOrderID: "co-orphan",
		BrokerOrderID: "b-gone",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      3,
		Status:        execution.StatusSubmitted,
	})

	run, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, run.HealedCount)
	assert.Equal(t, 1, run.FindingsCount)

	assert.Equal(t, execution.StatusSubmitted, getRecord(t, gormDB, "co-orphan").Status)

	findings, err := service.GetFindings(run.RunID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, CategoryOrphanedLocal, findings[0].Category)
	assert.Equal(t, ResolutionNeedsOperator, findings[0].Resolution)
}

func TestReconcilePositionsBrokerageWins(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)

	// Local: AAPL diverged, TSLA does not exist at the brokerage.
	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "AAPL", Quantity: 5, AvgEntryPrice: 180, MarketValue: 900, Side: types.SideBuy,
	}).Error)
	require.NoError(t, gormDB.Create(&types.Position{
		Symbol: "TSLA", Quantity: 2, AvgEntryPrice: 250, MarketValue: 500, Side: types.SideBuy,
	}).Error)

	// Brokerage: AAPL at a different quantity, MSFT unknown locally.
	broker.SeedPosition(brokerage.Position{
		Symbol: "AAPL", Quantity: 3, AvgEntryPrice: 180, MarketValue: 540, Side: types.SideBuy,
	})
	broker.SeedPosition(brokerage.Position{
		Symbol: "MSFT", Quantity: 4, AvgEntryPrice: 400, MarketValue: 1600, Side: types.SideBuy,
	})

	run, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 3, run.HealedCount)

	var positions []types.Position
	require.NoError(t, gormDB.Order("symbol").Find(&positions).Error)
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, 3.0, positions[0].Quantity)
	assert.Equal(t, "MSFT", positions[1].Symbol)
	assert.Equal(t, 4.0, positions[1].Quantity)

	// Second pass over the mirrored ledger is a no-op.
	second, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, second.HealedCount)
	assert.Equal(t, 0, second.FindingsCount)
}

type deadlineRecordingBroker struct {
	*brokerage.Simulated
	deadlines []time.Time
}

func (b *deadlineRecordingBroker) GetOrderByClientOrderID(ctx context.Context, clientOrderID string) (*brokerage.Order, error) {
	if deadline, ok := ctx.Deadline(); ok {
		b.deadlines = append(b.deadlines, deadline)
	}
	time.Sleep(10 * time.Millisecond)
	return b.Simulated.GetOrderByClientOrderID(ctx, clientOrderID)
}

// Per-record lookups each get their own deadline instead of inheriting the
// bulk-fetch context, so a long active set cannot run its tail lookups
// against an almost-expired timeout.
func TestReconcilePerRecordLookupsCarryFreshDeadlines(t *testing.T) {
	gormDB := newTestDB(t)
	broker := &deadlineRecordingBroker{Simulated: brokerage.NewSimulated()}
	service := NewService(gormDB, broker)

	for _, id := range []string{"co-1", "co-2", "co-3"} {
		seedRecord(t, gormDB, execution.OrderExecutionRecord{
			ClientOrderID: id,
			Symbol:        "AAPL",
			Side:          types.SideBuy,
			Quantity:      1,
			Status:        execution.StatusSubmitting,
		})
	}

	_, err := service.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)

	require.Len(t, broker.deadlines, 3)
	for i := 1; i < len(broker.deadlines); i++ {
		assert.True(t, broker.deadlines[i].After(broker.deadlines[i-1]),
			"lookup %d reused an earlier deadline", i)
	}
}

type failingBroker struct {
	*brokerage.Simulated
}

func (f *failingBroker) GetOrders(ctx context.Context, status string, limit int) ([]brokerage.Order, error) {
	return nil, errors.New("brokerage unavailable")
}

// A brokerage error aborts the pass before any local write: no run row, no
// findings, no healed records.
func TestReconcileAbortsWithoutMutationOnBrokerageError(t *testing.T) {
	gormDB := newTestDB(t)
	broker := &failingBroker{Simulated: brokerage.NewSimulated()}
	service := NewService(gormDB, broker)
	service.SetGraceWindow(0)

	seedRecord(t, gormDB, execution.OrderExecutionRecord{
		ClientOrderID: "co-phantom",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      3,
		Status:        execution.StatusSubmitting,
	})

	_, err := service.Reconcile(context.Background(), TriggerManual)
	require.Error(t, err)

	runs, err := service.GetRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Equal(t, execution.StatusSubmitting, getRecord(t, gormDB, "co-phantom").Status)
}

func TestIdentifyUnrealOrdersIsReadOnly(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)
	service.SetGraceWindow(0)

	seedRecord(t, gormDB, execution.OrderExecutionRecord{
		ClientOrderID: "co-phantom",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      3,
		Status:        execution.StatusSubmitting,
	})

	findings, err := service.IdentifyUnrealOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, CategoryUnreal, findings[0].Category)

	// The probe classified but did not touch the record.
	assert.Equal(t, execution.StatusSubmitting, getRecord(t, gormDB, "co-phantom").Status)
}

func TestSyncAssetUniverse(t *testing.T) {
	gormDB := newTestDB(t)
	broker := brokerage.NewSimulated()
	service := NewService(gormDB, broker)

	count, err := service.SyncAssetUniverse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Re-running upserts instead of duplicating.
	count, err = service.SyncAssetUniverse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	var assets []types.Asset
	require.NoError(t, gormDB.Find(&assets).Error)
	assert.Len(t, assets, 5)
}
