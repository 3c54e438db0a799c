package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/models"
	"github.com/tullo/marketchat/internal/repository"
)

// Publisher fans live events out to users, implemented by websocket.Hub.
type Publisher interface {
	Publish(ctx context.Context, recipients []string, event models.WSMessage) error
}

// ErrorResponse sends a standardized error response and logs at caller if needed
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// repositoryError maps repository failures to HTTP responses
func repositoryError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotMember):
		ErrorResponse(c, http.StatusForbidden, "Access denied")
	case errors.Is(err, database.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, "Not found")
	default:
		ErrorResponse(c, http.StatusInternalServerError, fallback)
	}
}
