package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
	"blobmover/pkg/worker"
)

// StatusProvider reports the state of the running worker
type StatusProvider interface {
	Status() worker.Status
}

// BatchLoader reads batch records
type BatchLoader interface {
	LoadBatch(ctx context.Context, customerID, batchID string) (*models.BatchRecord, error)
}

// Handlers serves the worker status endpoints
type Handlers struct {
	status  StatusProvider
	batches BatchLoader
	started time.Time
}

// NewHandlers creates handlers over a worker and the record store
func NewHandlers(status StatusProvider, batches BatchLoader) *Handlers {
	return &Handlers{status: status, batches: batches, started: time.Now()}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now(),
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// GetStatus returns the worker's counters and current object
func (h *Handlers) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Status())
}

// GetBatch returns a batch record with its connection string secrets masked
func (h *Handlers) GetBatch(c *gin.Context) {
	customerID := c.Param("customerId")
	batchID := c.Param("batchId")

	record, err := h.batches.LoadBatch(c.Request.Context(), customerID, batchID)
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conf := record.Configuration
	conf.SrcAccountConnectionString = config.Redacted(conf.SrcAccountConnectionString)
	conf.DestAccountConnectionString = config.Redacted(conf.DestAccountConnectionString)
	c.JSON(http.StatusOK, gin.H{
		"customer_id":   record.CustomerID,
		"batch_id":      record.BatchID,
		"created_at":    record.CreatedAt,
		"configuration": conf,
	})
}
