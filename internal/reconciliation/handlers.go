package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kmcrae/brokersync/internal/queue"
	"github.com/kmcrae/brokersync/internal/risk"
	"github.com/kmcrae/brokersync/pkg/response"
)

// NewReconcileHandler returns the RECONCILE work item handler. The daily
// loss check runs after a successful pass, when the position ledger is
// freshest.
func NewReconcileHandler(service *Service, gate *risk.Gate) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) error {
		if _, err := service.Reconcile(ctx, TriggerScheduled); err != nil {
			return err
		}
		return gate.EvaluateDailyLoss(ctx)
	}
}

// NewAssetSyncHandler returns the ASSET_UNIVERSE_SYNC work item handler.
func NewAssetSyncHandler(service *Service) queue.Handler {
	return func(ctx context.Context, item *queue.WorkItem) error {
		count, err := service.SyncAssetUniverse(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Str("component", "asset_universe_sync").
			Int("assets", count).
			Msg("asset universe refreshed")
		return nil
	}
}

// Scheduler enqueues the periodic RECONCILE work item. The idempotency key
// is derived from the current time bucket, so overlapping triggers from
// multiple processes collapse into one run per interval.
type Scheduler struct {
	queue    *queue.Service
	interval time.Duration
}

// NewScheduler creates a scheduler enqueueing a reconciliation pass every
// interval.
func NewScheduler(queueService *queue.Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		queue:    queueService,
		interval: interval,
	}
}

// Start runs the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconciliation_scheduler").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting reconciliation scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation scheduler")
			return
		case now := <-ticker.C:
			bucket := now.Unix() / int64(s.interval.Seconds())
			_, err := s.queue.Enqueue(queue.TypeReconcile, nil, queue.EnqueueOptions{
				IdempotencyKey: fmt.Sprintf("reconcile-%d", bucket),
				MaxAttempts:    3,
			})
			if err != nil {
				logger.Error().Err(err).Msg("failed to enqueue reconciliation work item")
			}
		}
	}
}

// GinHandlers contains HTTP handlers for reconciliation endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for reconciliation
// endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ReconcileNowHandler handles POST requests running an on-demand pass and
// returning its run log.
func (h *GinHandlers) ReconcileNowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := h.service.Reconcile(c.Request.Context(), TriggerManual)
		response.Handle(c, run, err)
	}
}

// IdentifyUnrealOrdersHandler handles GET requests for the read-only
// phantom-order probe.
func (h *GinHandlers) IdentifyUnrealOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		findings, err := h.service.IdentifyUnrealOrders(c.Request.Context())
		response.Handle(c, findings, err)
	}
}

// ListRunsHandler handles GET requests listing recent runs.
func (h *GinHandlers) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := h.service.GetRuns(50)
		response.Handle(c, runs, err)
	}
}

// ListFindingsHandler handles GET requests for one run's findings.
// URL parameter: run_id.
func (h *GinHandlers) ListFindingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		findings, err := h.service.GetFindings(c.Param("run_id"))
		response.Handle(c, findings, err)
	}
}
