package queue

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/pkg/response"
)

// Service exposes the work item store to handlers and to the other engine
// components that enqueue follow-up work.
type Service struct {
	db *Database
}

// NewService creates a new queue service with the given database connection.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Enqueue stores a new work item, collapsing duplicates on the idempotency
// key when one is supplied.
func (s *Service) Enqueue(itemType ItemType, payload interface{}, opts EnqueueOptions) (*WorkItem, error) {
	return s.db.Enqueue(itemType, payload, opts)
}

// GetWorkItem retrieves one work item by ID.
func (s *Service) GetWorkItem(itemID string) (*WorkItem, error) {
	return s.db.GetByItemID(itemID)
}

// GetWorkItems lists work items filtered by status and type.
func (s *Service) GetWorkItems(status string, itemType ItemType, limit int) ([]WorkItem, error) {
	return s.db.List(status, itemType, limit)
}

// GetWorkItemCount returns the number of items holding a status.
func (s *Service) GetWorkItemCount(status string) (int64, error) {
	return s.db.CountByStatus(status)
}

// RetryWorkItem returns a dead-lettered item to PENDING with attempts reset.
func (s *Service) RetryWorkItem(itemID string) (*WorkItem, error) {
	item, err := s.db.ResetForRetry(itemID)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("component", "work_queue").
		Str("item_id", itemID).
		Msg("dead-lettered work item manually retried")
	return item, nil
}

// ForceDeadLetter parks a pending or running item in DEAD_LETTER.
func (s *Service) ForceDeadLetter(itemID, reason string) (*WorkItem, error) {
	return s.db.ForceDeadLetter(itemID, reason)
}

// GinHandlers contains HTTP handlers for the work queue operator endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for work queue endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// EnqueueHandler handles POST requests to enqueue a generic work item.
// An Idempotency-Key header collapses duplicate submissions.
func (h *GinHandlers) EnqueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Type        ItemType    `json:"type" binding:"required"`
			Payload     interface{} `json:"payload"`
			MaxAttempts int         `json:"max_attempts"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		item, err := h.service.Enqueue(request.Type, request.Payload, EnqueueOptions{
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
			MaxAttempts:    request.MaxAttempts,
		})
		response.Handle(c, item, err)
	}
}

// ListWorkItemsHandler handles GET requests to list work items.
// Query parameters: status, type, limit.
func (h *GinHandlers) ListWorkItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		items, err := h.service.GetWorkItems(c.Query("status"), ItemType(c.Query("type")), limit)
		response.Handle(c, items, err)
	}
}

// WorkItemCountHandler handles GET requests for a per-status item count.
func (h *GinHandlers) WorkItemCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		if status == "" {
			response.BadRequest(c, "status query parameter is required")
			return
		}

		count, err := h.service.GetWorkItemCount(status)
		response.Handle(c, gin.H{"status": status, "count": count}, err)
	}
}

// RetryWorkItemHandler handles POST requests to retry a dead-lettered item.
// URL parameter: item_id.
func (h *GinHandlers) RetryWorkItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := h.service.RetryWorkItem(c.Param("item_id"))
		if errors.Is(err, ErrNotDeadLetter) {
			response.BadRequest(c, err.Error())
			return
		}
		if errors.Is(err, ErrItemNotFound) {
			response.NotFound(c, "work item not found")
			return
		}
		response.Handle(c, item, err)
	}
}

// ForceDeadLetterHandler handles POST requests to park an item in
// DEAD_LETTER. URL parameter: item_id; body carries the reason.
func (h *GinHandlers) ForceDeadLetterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		item, err := h.service.ForceDeadLetter(c.Param("item_id"), request.Reason)
		if errors.Is(err, ErrItemNotFound) {
			response.NotFound(c, "work item not found or not in a parkable state")
			return
		}
		response.Handle(c, item, err)
	}
}
