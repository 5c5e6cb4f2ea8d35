package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/kmcrae/brokersync/internal/brokerage"
	"github.com/kmcrae/brokersync/internal/queue"
	"github.com/kmcrae/brokersync/internal/risk"
	"github.com/kmcrae/brokersync/pkg/response"
)

// NewSubmitHandler returns the ORDER_SUBMIT work item handler. The risk
// gate is consulted on every invocation, including retries, and a gate
// refusal or brokerage rejection fails the item terminally: neither can
// succeed by retrying.
func NewSubmitHandler(service *Service, gate *risk.Gate) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) error {
		var payload SubmitPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			return queue.Terminal(fmt.Errorf("invalid ORDER_SUBMIT payload: %w", err))
		}

		origin := payload.Origin
		if origin == "" {
			origin = risk.OriginAutomatic
		}

		// The gate must run before the state machine touches the brokerage,
		// but after the idempotent short-circuit would fire is fine too:
		// Submit re-checks the record itself, so an order already in flight
		// is returned without a second brokerage call either way.
		if err := gate.CheckOrder(ctx, risk.OrderCheck{
			Symbol:   payload.Symbol,
			Side:     payload.Side,
			Notional: payload.EstimatedNotional(),
			Quantity: payload.Quantity,
			Origin:   origin,
		}); err != nil {
			var policy *risk.PolicyError
			if errors.As(err, &policy) {
				return queue.Terminal(err)
			}
			return err
		}

		_, err := service.Submit(ctx, payload.SubmitRequest)
		if err != nil {
			if brokerage.IsRejection(err) {
				return queue.Terminal(err)
			}
			return err
		}
		return nil
	}
}

// NewSyncHandler returns the ORDER_SYNC work item handler.
func NewSyncHandler(service *Service) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) error {
		var payload SyncPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			return queue.Terminal(fmt.Errorf("invalid ORDER_SYNC payload: %w", err))
		}

		_, err := service.Sync(ctx, payload.ClientOrderID)
		return err
	}
}

// NewCloseAllHandler returns the CLOSE_ALL_POSITIONS work item handler.
func NewCloseAllHandler(service *Service) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) error {
		return service.CloseAllPositions(ctx)
	}
}

// GinHandlers contains HTTP handlers for execution endpoints.
type GinHandlers struct {
	service *Service
	queue   *queue.Service
	gate    *risk.Gate
}

// NewGinHandlers creates a new set of HTTP handlers for execution endpoints.
func NewGinHandlers(service *Service, queueService *queue.Service, gate *risk.Gate) *GinHandlers {
	return &GinHandlers{
		service: service,
		queue:   queueService,
		gate:    gate,
	}
}

// SubmitOrderHandler handles POST requests to submit an order. The order is
// enqueued as an ORDER_SUBMIT work item keyed by the client order ID, so a
// repeated request returns the existing item instead of a duplicate order.
// The risk gate is consulted synchronously so a refusal is reported to the
// caller immediately rather than dying inside the worker; the work item
// handler re-checks at execution time.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Quantity <= 0 && req.Notional <= 0 {
			response.BadRequest(c, "order must specify quantity or notional")
			return
		}

		payload := SubmitPayload{
			SubmitRequest: req,
			Origin:        risk.OriginManual,
		}

		if err := h.gate.CheckOrder(c.Request.Context(), risk.OrderCheck{
			Symbol:   req.Symbol,
			Side:     req.Side,
			Notional: payload.EstimatedNotional(),
			Quantity: req.Quantity,
			Origin:   risk.OriginManual,
		}); err != nil {
			var policy *risk.PolicyError
			if errors.As(err, &policy) {
				response.PolicyRefused(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		item, err := h.queue.Enqueue(queue.TypeOrderSubmit, payload, queue.EnqueueOptions{
			IdempotencyKey: "order-submit-" + req.ClientOrderID,
		})
		response.Handle(c, item, err)
	}
}

// GetActiveExecutionsHandler handles GET requests listing non-terminal
// execution records.
func (h *GinHandlers) GetActiveExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.service.ActiveExecutions()
		response.Handle(c, records, err)
	}
}
