package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/brokerage"
	"github.com/kmcrae/brokersync/internal/execution"
	"github.com/kmcrae/brokersync/internal/types"
)

const (
	// DefaultInterval is how often a scheduled reconciliation pass runs.
	DefaultInterval = 45 * time.Second

	// DefaultGraceWindow is how long a never-confirmed local order may go
	// without brokerage evidence before it is classified UNREAL. Long
	// enough to ride out submission latency and a retry or two.
	DefaultGraceWindow = 3 * time.Minute

	brokerCallTimeout = 15 * time.Second
	positionEpsilon   = 1e-6
)

// Service compares the local ledger against brokerage state and heals
// divergence. The brokerage is the financial source of truth: on any
// disagreement its state overwrites the local record, never the reverse.
type Service struct {
	db          *Database
	broker      brokerage.Client
	graceWindow time.Duration
}

// NewService creates a new reconciliation service with the given database
// connection and brokerage client.
func NewService(gormDB *gorm.DB, broker brokerage.Client) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		broker:      broker,
		graceWindow: DefaultGraceWindow,
	}
}

// SetGraceWindow overrides the UNREAL classification window.
func (s *Service) SetGraceWindow(window time.Duration) {
	s.graceWindow = window
}

// plan accumulates the outcome of the read phase. Nothing is written until
// every brokerage call has succeeded, so a brokerage error aborts the pass
// with zero local mutation.
type plan struct {
	findings  []Finding
	mutations []func(tx *gorm.DB) error
	synced    int
	healed    int
}

func (p *plan) addFinding(category, symbol, localRef, brokerRef, detail, resolution string) {
	p.findings = append(p.findings, Finding{
		FindingID:  uuid.New().String(),
		Category:   category,
		Symbol:     symbol,
		LocalRef:   localRef,
		BrokerRef:  brokerRef,
		Detail:     detail,
		Resolution: resolution,
		CreatedAt:  time.Now(),
	})
}

// Reconcile runs one full pass. Running it twice with no brokerage-side
// change in between produces no mutations and no findings on the second
// pass.
func (s *Service) Reconcile(ctx context.Context, trigger string) (*Run, error) {
	logger := log.With().Str("service", "reconciliation").Str("trigger", trigger).Logger()
	startedAt := time.Now()
	logger.Info().Msg("starting reconciliation pass")

	fetchCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()

	brokerOpen, err := s.broker.GetOrders(fetchCtx, "open", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch brokerage orders: %w", err)
	}
	brokerPositions, err := s.broker.GetPositions(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch brokerage positions: %w", err)
	}

	localActive, err := s.db.ListActiveExecutionRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to load local active orders: %w", err)
	}
	localPositions, err := s.db.ListPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to load local positions: %w", err)
	}

	p := &plan{}
	ordersChecked := 0

	localByClientID := make(map[string]*execution.OrderExecutionRecord, len(localActive))
	for i := range localActive {
		localByClientID[localActive[i].ClientOrderID] = &localActive[i]
	}

	brokerByClientID := make(map[string]brokerage.Order, len(brokerOpen))
	for _, order := range brokerOpen {
		brokerByClientID[order.ClientOrderID] = order
	}

	// Brokerage-side open orders drive the first half of the join.
	for _, order := range brokerOpen {
		ordersChecked++
		local, ok := localByClientID[order.ClientOrderID]
		if !ok {
			if err := s.planAgainstFullLedger(p, order); err != nil {
				return nil, err
			}
			continue
		}
		s.planStatusJoin(p, local, order)
	}

	// Local non-terminal records unknown to the open-order listing: the
	// order may have reached a terminal state at the brokerage, may still
	// be in flight, or may never have existed there at all.
	for i := range localActive {
		record := &localActive[i]
		if _, ok := brokerByClientID[record.ClientOrderID]; ok {
			continue
		}
		ordersChecked++

		order, err := s.lookupOrder(ctx, record.ClientOrderID)
		if err == nil {
			s.planStatusJoin(p, record, *order)
			continue
		}
		if !errors.Is(err, brokerage.ErrOrderNotFound) {
			return nil, fmt.Errorf("failed to resolve local order %s: %w", record.ClientOrderID, err)
		}

		s.planMissingAtBroker(p, record)
	}

	s.planPositions(p, localPositions, brokerPositions)

	run := &Run{
		RunID:         "REC_" + uuid.New().String(),
		Trigger:       trigger,
		Status:        RunStatusCompleted,
		OrdersChecked: ordersChecked,
		SyncedCount:   p.synced,
		HealedCount:   p.healed,
		FindingsCount: len(p.findings),
		StartedAt:     startedAt,
		CompletedAt:   time.Now(),
		CreatedAt:     time.Now(),
	}

	if err := s.db.ApplyRun(run, p.findings, p.mutations); err != nil {
		return nil, fmt.Errorf("failed to apply reconciliation pass: %w", err)
	}

	logger.Info().
		Str("run_id", run.RunID).
		Int("orders_checked", run.OrdersChecked).
		Int("synced", run.SyncedCount).
		Int("healed", run.HealedCount).
		Int("findings", run.FindingsCount).
		Msg("reconciliation pass completed")
	return run, nil
}

// lookupOrder resolves one client order ID against the brokerage under its
// own deadline, so a long run of per-record lookups never inherits an
// almost-expired context from the bulk fetches.
func (s *Service) lookupOrder(ctx context.Context, clientOrderID string) (*brokerage.Order, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()
	return s.broker.GetOrderByClientOrderID(lookupCtx, clientOrderID)
}

// planAgainstFullLedger handles a brokerage order absent from the local
// active set. The record may exist locally in a terminal state already; only
// a truly unknown order is MISSING_LOCAL.
func (s *Service) planAgainstFullLedger(p *plan, order brokerage.Order) error {
	record, err := s.db.GetExecutionRecord(order.ClientOrderID)
	if err != nil {
		return err
	}
	if record != nil {
		s.planStatusJoin(p, record, order)
		return nil
	}

	p.addFinding(CategoryMissingLocal, order.Symbol, "", order.ID,
		fmt.Sprintf("brokerage order %s has no local record; mirrored locally", order.ID),
		ResolutionAutoHealed)
	p.healed++

	mirrored := order
	p.mutations = append(p.mutations, func(tx *gorm.DB) error {
		record := execution.OrderExecutionRecord{
			ClientOrderID:  mirrored.ClientOrderID,
			BrokerOrderID:  mirrored.ID,
			Symbol:         mirrored.Symbol,
			Side:           mirrored.Side,
			OrderType:      mirrored.OrderType,
			Quantity:       mirrored.Quantity,
			Notional:       mirrored.Notional,
			LimitPrice:     mirrored.LimitPrice,
			FilledQuantity: mirrored.FilledQuantity,
			FilledAvgPrice: mirrored.FilledAvgPrice,
			Status:         execution.BrokerStatusToLocal(mirrored.Status),
			Version:        1,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return createFillRow(tx, &record, mirrored.FilledQuantity, mirrored.FilledAvgPrice, mirrored.UpdatedAt)
	})
	return nil
}

// planStatusJoin compares a local record with its brokerage counterpart.
// Agreement counts as synced; disagreement is healed from brokerage state.
func (s *Service) planStatusJoin(p *plan, record *execution.OrderExecutionRecord, order brokerage.Order) {
	brokerStatus := execution.BrokerStatusToLocal(order.Status)
	fillDelta := order.FilledQuantity - record.FilledQuantity

	if record.Status == brokerStatus && math.Abs(fillDelta) < positionEpsilon {
		p.synced++
		return
	}

	p.addFinding(CategorySynced, record.Symbol, record.ClientOrderID, order.ID,
		fmt.Sprintf("local status %s overwritten from brokerage state %s", record.Status, brokerStatus),
		ResolutionAutoHealed)
	p.healed++

	snapshot := *record
	mirrored := order
	p.mutations = append(p.mutations, func(tx *gorm.DB) error {
		result := tx.Model(&execution.OrderExecutionRecord{}).
			Where("client_order_id = ?", snapshot.ClientOrderID).
			Updates(map[string]interface{}{
				"broker_order_id":  mirrored.ID,
				"status":           execution.BrokerStatusToLocal(mirrored.Status),
				"filled_quantity":  mirrored.FilledQuantity,
				"filled_avg_price": mirrored.FilledAvgPrice,
				"version":          gorm.Expr("version + 1"),
				"updated_at":       time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		updated := snapshot
		updated.BrokerOrderID = mirrored.ID
		return createFillRow(tx, &updated, fillDelta, mirrored.FilledAvgPrice, mirrored.UpdatedAt)
	})
}

// planMissingAtBroker handles a local non-terminal record the brokerage has
// no order for. A record that never received a brokerage order ID is a
// submission that never landed: once the grace window has passed it is
// UNREAL and cleaned up. A record the brokerage once confirmed is evidence
// of a possibly-real trade and is flagged for an operator instead.
func (s *Service) planMissingAtBroker(p *plan, record *execution.OrderExecutionRecord) {
	if record.BrokerOrderID != "" {
		p.addFinding(CategoryOrphanedLocal, record.Symbol, record.ClientOrderID, record.BrokerOrderID,
			"brokerage-confirmed order no longer present at brokerage; operator review required",
			ResolutionNeedsOperator)
		return
	}

	if time.Since(record.CreatedAt) < s.graceWindow {
		// Still inside the submission grace window; likely in flight.
		return
	}

	p.addFinding(CategoryUnreal, record.Symbol, record.ClientOrderID, "",
		fmt.Sprintf("no brokerage evidence within %s; local record canceled", s.graceWindow),
		ResolutionAutoHealed)
	p.healed++

	snapshot := *record
	p.mutations = append(p.mutations, func(tx *gorm.DB) error {
		return tx.Model(&execution.OrderExecutionRecord{}).
			Where("client_order_id = ?", snapshot.ClientOrderID).
			Updates(map[string]interface{}{
				"status":     execution.StatusCanceled,
				"last_error": "canceled by reconciliation: no brokerage evidence within grace window",
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			}).Error
	})
}

// planPositions makes the local position ledger mirror the brokerage's.
func (s *Service) planPositions(p *plan, localPositions []types.Position, brokerPositions []brokerage.Position) {
	localBySymbol := make(map[string]types.Position, len(localPositions))
	for _, pos := range localPositions {
		localBySymbol[pos.Symbol] = pos
	}

	seen := make(map[string]bool, len(brokerPositions))
	for _, brokerPos := range brokerPositions {
		seen[brokerPos.Symbol] = true
		local, exists := localBySymbol[brokerPos.Symbol]

		if exists &&
			math.Abs(local.Quantity-brokerPos.Quantity) < positionEpsilon &&
			math.Abs(local.MarketValue-brokerPos.MarketValue) < positionEpsilon {
			p.synced++
			continue
		}

		if exists {
			p.addFinding(CategorySynced, brokerPos.Symbol, brokerPos.Symbol, brokerPos.Symbol,
				fmt.Sprintf("local position qty %.4f overwritten from brokerage qty %.4f", local.Quantity, brokerPos.Quantity),
				ResolutionAutoHealed)
		} else {
			p.addFinding(CategoryMissingLocal, brokerPos.Symbol, "", brokerPos.Symbol,
				"brokerage position has no local counterpart; mirrored locally",
				ResolutionAutoHealed)
		}
		p.healed++

		mirrored := brokerPos
		p.mutations = append(p.mutations, func(tx *gorm.DB) error {
			var existing types.Position
			err := tx.Where("symbol = ?", mirrored.Symbol).First(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return tx.Create(&types.Position{
					Symbol:        mirrored.Symbol,
					Quantity:      mirrored.Quantity,
					AvgEntryPrice: mirrored.AvgEntryPrice,
					MarketValue:   mirrored.MarketValue,
					Side:          mirrored.Side,
					CreatedAt:     time.Now(),
					UpdatedAt:     time.Now(),
				}).Error
			}
			if err != nil {
				return err
			}
			existing.Quantity = mirrored.Quantity
			existing.AvgEntryPrice = mirrored.AvgEntryPrice
			existing.MarketValue = mirrored.MarketValue
			existing.Side = mirrored.Side
			existing.UpdatedAt = time.Now()
			return tx.Save(&existing).Error
		})
	}

	for _, local := range localPositions {
		if seen[local.Symbol] {
			continue
		}
		p.addFinding(CategoryOrphanedLocal, local.Symbol, local.Symbol, "",
			"local position has no brokerage counterpart; removed",
			ResolutionAutoHealed)
		p.healed++

		symbol := local.Symbol
		p.mutations = append(p.mutations, func(tx *gorm.DB) error {
			return tx.Unscoped().Where("symbol = ?", symbol).Delete(&types.Position{}).Error
		})
	}
}

func createFillRow(tx *gorm.DB, record *execution.OrderExecutionRecord, quantity, price float64, filledAt time.Time) error {
	if quantity <= positionEpsilon {
		return nil
	}
	return tx.Create(&types.Fill{
		FillID:        uuid.New().String(),
		ClientOrderID: record.ClientOrderID,
		BrokerOrderID: record.BrokerOrderID,
		Symbol:        record.Symbol,
		Side:          record.Side,
		Price:         price,
		Quantity:      quantity,
		FilledAt:      filledAt,
		CreatedAt:     time.Now(),
	}).Error
}

// IdentifyUnrealOrders is the read-only operator probe: it classifies local
// non-terminal records with no brokerage counterpart without mutating
// anything.
func (s *Service) IdentifyUnrealOrders(ctx context.Context) ([]Finding, error) {
	localActive, err := s.db.ListActiveExecutionRecords()
	if err != nil {
		return nil, err
	}

	findings := []Finding{}
	for i := range localActive {
		record := &localActive[i]

		_, err := s.lookupOrder(ctx, record.ClientOrderID)
		if err == nil {
			continue
		}
		if !errors.Is(err, brokerage.ErrOrderNotFound) {
			return nil, fmt.Errorf("failed to resolve local order %s: %w", record.ClientOrderID, err)
		}

		p := &plan{}
		s.planMissingAtBroker(p, record)
		findings = append(findings, p.findings...)
	}
	return findings, nil
}

// GetRuns returns recent reconciliation runs.
func (s *Service) GetRuns(limit int) ([]Run, error) {
	return s.db.ListRuns(limit)
}

// GetFindings returns the findings of one run.
func (s *Service) GetFindings(runID string) ([]Finding, error) {
	return s.db.ListFindings(runID)
}

// SyncAssetUniverse refreshes the local asset table from the brokerage.
func (s *Service) SyncAssetUniverse(ctx context.Context) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()

	brokerAssets, err := s.broker.GetAssets(fetchCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch asset universe: %w", err)
	}

	assets := make([]types.Asset, len(brokerAssets))
	for i, asset := range brokerAssets {
		assets[i] = types.Asset{
			Symbol:   asset.Symbol,
			Name:     asset.Name,
			Exchange: asset.Exchange,
			Tradable: asset.Tradable,
		}
	}
	if err := s.db.ReplaceAssets(assets); err != nil {
		return 0, err
	}
	return len(assets), nil
}
