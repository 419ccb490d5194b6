package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	analysisdomain "github.com/lexfabric/veredix/internal/analysis/domain"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
	webhookdomain "github.com/lexfabric/veredix/internal/webhook/domain"
)

// ErrorResponse is the uniform error envelope for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrorHandlingMiddleware converts errors attached by handlers into the
// error envelope. Handlers abort with AbortWithError and return.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status, message := mapError(err)
		c.JSON(status, ErrorResponse{Error: message})
	}
}

// AbortWithError records err on the context and stops the handler chain.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, creditdomain.ErrNotFound),
		errors.Is(err, creditdomain.ErrHoldNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, creditdomain.ErrInvalidWorkspace),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidCategory),
		errors.Is(err, creditdomain.ErrInvalidReason),
		errors.Is(err, creditdomain.ErrInvalidTTL),
		errors.Is(err, creditdomain.ErrRolloverCapReached),
		errors.Is(err, analysisdomain.ErrInvalidWorkspace),
		errors.Is(err, analysisdomain.ErrInvalidCase),
		errors.Is(err, analysisdomain.ErrInvalidTier),
		errors.Is(err, analysisdomain.ErrNoDocuments),
		errors.Is(err, analysisdomain.ErrInvalidCount),
		errors.Is(err, analysisdomain.ErrInvalidMovement),
		errors.Is(err, webhookdomain.ErrInvalidEntity),
		errors.Is(err, webhookdomain.ErrInvalidRequestID):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
