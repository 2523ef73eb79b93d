package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/auth"
	"github.com/danielhendel/oli-sub005/internal/models"
)

// maxBodyBytes bounds ingest request bodies.
const maxBodyBytes = 1 << 20

// Ingester accepts raw observation bodies.
type Ingester interface {
	IngestJSON(ctx context.Context, userID, idempotencyKey string, body []byte) (models.IngestResponse, error)
}

// RegisterEventRoutes registers the ingestion endpoint.
//
// POST /events/ingest
// - Requires a bearer token and an Idempotency-Key header
// - Returns 202 once the raw event is durable; normalization runs asynchronously
// - A repeated key returns 409 and writes nothing
func RegisterEventRoutes(r gin.IRoutes, in Ingester) {
	r.POST("/events/ingest", func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			writeError(c, apperr.Validation("unreadable body", apperr.FieldError{Field: "body", Message: err.Error()}))
			return
		}

		resp, err := in.IngestJSON(c.Request.Context(), auth.UserID(c), c.GetHeader("Idempotency-Key"), body)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	})
}
