package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/http/response"
)

const maxDeadLetterPage = 500

type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int64) ([]jobs.DeadLetter, error)
}

// DeadLetterHandler lets operators inspect parked render messages. It is
// served on the worker's internal port only.
type DeadLetterHandler struct {
	queue DeadLetterLister
}

func NewDeadLetterHandler(queue DeadLetterLister) *DeadLetterHandler {
	return &DeadLetterHandler{queue: queue}
}

// GET /dead-letters?limit=
func (h *DeadLetterHandler) List(c *gin.Context) {
	limit := int64(100)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxDeadLetterPage)
	}
	dead, err := h.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "dead_letters_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{"deadLetters": dead, "count": len(dead)})
}
