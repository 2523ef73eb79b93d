package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/danielhendel/oli-sub005/internal/auth"
	"github.com/danielhendel/oli-sub005/internal/models"
)

// AccountDeleter deletes all data of a user.
type AccountDeleter interface {
	Delete(ctx context.Context, userID, idempotencyKey string) (models.DeletionCounts, error)
}

// RegisterAccountRoutes registers POST /account/delete.
func RegisterAccountRoutes(r gin.IRoutes, d AccountDeleter) {
	r.POST("/account/delete", func(c *gin.Context) {
		counts, err := d.Delete(c.Request.Context(), auth.UserID(c), c.GetHeader("Idempotency-Key"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"deleted": true, "counts": counts})
	})
}
