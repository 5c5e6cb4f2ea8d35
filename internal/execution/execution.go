package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/brokerage"
)

const brokerCallTimeout = 10 * time.Second

// Service owns the order execution state machine. All OrderExecutionRecord
// rows are created and advanced here; every other component reads them.
type Service struct {
	db     *Database
	broker brokerage.Client
}

// NewService creates a new execution service with the given database
// connection and brokerage client.
func NewService(gormDB *gorm.DB, broker brokerage.Client) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		broker: broker,
	}
}

// BrokerStatusToLocal maps a brokerage order status onto the local state
// machine.
func BrokerStatusToLocal(brokerStatus string) string {
	switch brokerStatus {
	case brokerage.OrderStatusNew, brokerage.OrderStatusAccepted:
		return StatusSubmitted
	case brokerage.OrderStatusPartiallyFilled:
		return StatusPartiallyFilled
	case brokerage.OrderStatusFilled:
		return StatusFilled
	case brokerage.OrderStatusCanceled:
		return StatusCanceled
	case brokerage.OrderStatusRejected:
		return StatusRejected
	}
	return StatusSubmitted
}

// Submit drives one order through submission. It is safe to re-invoke with
// the same client order ID: an existing non-FAILED record is returned
// unchanged, and a FAILED record is retried only after the brokerage has
// been asked whether the previous attempt actually landed. The brokerage is
// therefore never asked to create the same client order ID twice.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*OrderExecutionRecord, error) {
	logger := log.With().
		Str("service", "execution").
		Str("client_order_id", req.ClientOrderID).
		Str("symbol", req.Symbol).
		Logger()

	record, err := s.db.GetByClientOrderID(req.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution record: %w", err)
	}

	if record != nil && record.Status != StatusFailed {
		// Idempotent short-circuit: the order is already in flight or done.
		logger.Debug().Str("status", record.Status).Msg("submit short-circuited by existing record")
		return record, nil
	}

	if record == nil {
		record = &OrderExecutionRecord{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			OrderType:     req.OrderType,
			Quantity:      req.Quantity,
			Notional:      req.Notional,
			LimitPrice:    req.LimitPrice,
			Status:        StatusSubmitting,
		}
		if err := s.db.Create(record); err != nil {
			// A concurrent submit may have created the record first; fall
			// back to the idempotent read.
			existing, lookupErr := s.db.GetByClientOrderID(req.ClientOrderID)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
			return nil, fmt.Errorf("failed to create execution record: %w", err)
		}
	} else {
		// Retry of a FAILED attempt. The previous outcome may have been an
		// ambiguous timeout, so ask the brokerage before resubmitting: a
		// blind resubmit here is how duplicate live orders happen.
		resolved, err := s.resolveExisting(ctx, record)
		if err != nil {
			return nil, err
		}
		if resolved {
			logger.Info().
				Str("broker_order_id", record.BrokerOrderID).
				Str("status", record.Status).
				Msg("previous attempt had landed at brokerage; adopted its state")
			return record, nil
		}

		if err := s.db.Transition(record, func(r *OrderExecutionRecord) {
			r.Status = StatusSubmitting
			r.LastError = ""
		}); err != nil {
			return nil, err
		}
	}

	createCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()

	order, err := s.broker.CreateOrder(createCtx, brokerage.OrderRequest{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		Notional:      req.Notional,
		LimitPrice:    req.LimitPrice,
	})
	if err != nil {
		return s.handleCreateError(record, err, logger)
	}

	if err := s.db.Transition(record, func(r *OrderExecutionRecord) {
		r.BrokerOrderID = order.ID
		r.Status = BrokerStatusToLocal(order.Status)
		r.LastError = ""
	}); err != nil {
		return nil, err
	}

	logger.Info().
		Str("broker_order_id", order.ID).
		Str("status", record.Status).
		Msg("order submitted to brokerage")
	return record, nil
}

// resolveExisting asks the brokerage whether a previous attempt for this
// client order ID landed. Returns true when the brokerage knows the order,
// in which case the record has been advanced to mirror brokerage state.
func (s *Service) resolveExisting(ctx context.Context, record *OrderExecutionRecord) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()

	order, err := s.broker.GetOrderByClientOrderID(lookupCtx, record.ClientOrderID)
	if err != nil {
		if errors.Is(err, brokerage.ErrOrderNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve ambiguous submission: %w", err)
	}

	if err := s.applyBrokerOrder(record, order); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) handleCreateError(record *OrderExecutionRecord, err error, logger zerolog.Logger) (*OrderExecutionRecord, error) {
	switch {
	case brokerage.IsRejection(err):
		logger.Warn().Err(err).Msg("brokerage rejected order")
		if txErr := s.db.Transition(record, func(r *OrderExecutionRecord) {
			r.Status = StatusRejected
			r.LastError = err.Error()
		}); txErr != nil {
			return nil, txErr
		}
		return record, err

	case brokerage.IsAmbiguous(err):
		logger.Warn().Err(err).Msg("brokerage outcome unknown; marking FAILED for resolved retry")
	default:
		logger.Warn().Err(err).Msg("brokerage call failed; marking FAILED for retry")
	}

	if txErr := s.db.Transition(record, func(r *OrderExecutionRecord) {
		r.Status = StatusFailed
		r.Attempts++
		r.LastError = err.Error()
	}); txErr != nil {
		return nil, txErr
	}
	return record, err
}

// applyBrokerOrder advances the record to mirror the brokerage order and
// appends a fill row for any newly observed executed quantity.
func (s *Service) applyBrokerOrder(record *OrderExecutionRecord, order *brokerage.Order) error {
	newFillQty := order.FilledQuantity - record.FilledQuantity

	if err := s.db.Transition(record, func(r *OrderExecutionRecord) {
		r.BrokerOrderID = order.ID
		r.Status = BrokerStatusToLocal(order.Status)
		r.FilledQuantity = order.FilledQuantity
		r.FilledAvgPrice = order.FilledAvgPrice
		r.LastError = ""
	}); err != nil {
		return err
	}

	if err := s.db.RecordFill(record, newFillQty, order.FilledAvgPrice, order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to record fill: %w", err)
	}
	return nil
}

// Sync refreshes one record from brokerage state, the ORDER_SYNC work item
// body. A record with no brokerage counterpart is left for reconciliation
// to classify.
func (s *Service) Sync(ctx context.Context, clientOrderID string) (*OrderExecutionRecord, error) {
	record, err := s.db.GetByClientOrderID(clientOrderID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("no execution record for client order id %s", clientOrderID)
	}
	if IsTerminal(record.Status) {
		return record, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()

	order, err := s.broker.GetOrderByClientOrderID(lookupCtx, clientOrderID)
	if err != nil {
		if errors.Is(err, brokerage.ErrOrderNotFound) {
			return record, nil
		}
		return nil, fmt.Errorf("failed to fetch brokerage order: %w", err)
	}

	if err := s.applyBrokerOrder(record, order); err != nil {
		return nil, err
	}
	return record, nil
}

// ActiveExecutions lists all non-terminal execution records.
func (s *Service) ActiveExecutions() ([]OrderExecutionRecord, error) {
	return s.db.ListActive()
}

// CloseAllPositions cancels every open order and closes every position at
// the brokerage. Used by the daily-loss liquidation work item.
func (s *Service) CloseAllPositions(ctx context.Context) error {
	logger := log.With().Str("service", "execution").Logger()
	logger.Warn().Msg("closing all positions")

	cancelCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()
	if err := s.broker.CancelAllOrders(cancelCtx); err != nil {
		return fmt.Errorf("failed to cancel open orders: %w", err)
	}

	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}

	for _, pos := range positions {
		if _, err := s.broker.ClosePosition(ctx, pos.Symbol); err != nil {
			return fmt.Errorf("failed to close position %s: %w", pos.Symbol, err)
		}
		logger.Info().Str("symbol", pos.Symbol).Float64("quantity", pos.Quantity).Msg("position closed")
	}
	return nil
}
