package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/rendivia-backend/internal/http/response"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/services"
)

type CaptionHandler struct {
	renders services.RenderService
}

func NewCaptionHandler(renders services.RenderService) *CaptionHandler {
	return &CaptionHandler{renders: renders}
}

// GET /api/v1/caption-jobs/:id
func (h *CaptionHandler) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.renders.GetCaptionJob(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/v1/caption-jobs/:id/render
func (h *CaptionHandler) Render(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.renders.RequestCaptionRender(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobId": job.ID, "status": "queued"})
}

// POST /api/v1/caption-jobs/:id/retry
func (h *CaptionHandler) Retry(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.renders.RetryCaptionJob(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}
