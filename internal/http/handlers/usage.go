package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/http/response"
	"github.com/yungbote/rendivia-backend/internal/platform/ctxutil"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/services"
)

type UsageHandler struct {
	usage services.UsageService
}

func NewUsageHandler(usage services.UsageService) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// GET /api/v1/usage
func (h *UsageHandler) GetUsage(c *gin.Context) {
	ctx := c.Request.Context()
	p := ctxutil.GetPrincipal(ctx)
	if p == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing or invalid credentials"))
		return
	}
	snap, err := h.usage.Current(dbctx.Context{Ctx: ctx}, billing.OwnerFor(p.UserID, p.TeamID), p.PlanID, time.Now().UTC())
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "usage_lookup_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"usage": snap})
}
