package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rongwang/points-ledger/internal/models"
)

type errorMapping struct {
	kind   error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{models.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{models.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{models.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{models.ErrInsufficientBalance, http.StatusBadRequest, "INSUFFICIENT_BALANCE"},
	{models.ErrBudgetExceeded, http.StatusBadRequest, "BUDGET_EXCEEDED"},
	{models.ErrPromotionConflict, http.StatusBadRequest, "PROMOTION_CONFLICT"},
	{models.ErrStateConflict, http.StatusConflict, "STATE_CONFLICT"},
}

// respondError renders a ledger error. Unknown errors are logged and hidden
// behind a generic 500.
func (h *Handler) respondError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.kind) {
			c.JSON(m.status, models.ErrorResponse{
				Status:  "error",
				Code:    m.code,
				Message: err.Error(),
			})
			return
		}
	}

	h.log.Error().
		Err(err).
		Str("request_id", c.GetString(ctxRequestID)).
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Msg("unhandled error")

	c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Status:  "error",
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Status:  "error",
		Code:    "INVALID_REQUEST",
		Message: message,
	})
}
