package http

import (
	"errors"
	"net/http"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/monitoring"
	"relaycast/internal/infrastructure/signal"
	apperrors "relaycast/pkg/errors"
	"relaycast/pkg/utils"
	"relaycast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type SignalingHandler struct {
	orchestrator ports.Orchestrator
	hub          *signal.Hub
	health       *monitoring.HealthChecker
}

func NewSignalingHandler(
	orchestrator ports.Orchestrator,
	hub *signal.Hub,
	health *monitoring.HealthChecker,
) *SignalingHandler {
	return &SignalingHandler{
		orchestrator: orchestrator,
		hub:          hub,
		health:       health,
	}
}

func (h *SignalingHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/broadcast/:streamId", h.StartBroadcast)
		api.POST("/broadcast/:streamId/ice", h.BroadcastCandidate)
		api.DELETE("/broadcast/:streamId", h.StopBroadcast)

		// The one-segment /view param doubles as stream id on join and
		// viewer id everywhere else.
		api.POST("/view/:id", h.JoinStream)
		api.POST("/view/:id/answer", h.ViewerAnswer)
		api.POST("/view/:id/ice", h.ViewerCandidate)
		api.DELETE("/view/:id", h.LeaveStream)

		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:streamId", h.GetStream)

		api.GET("/events/:streamId", h.StreamEvents)
	}
}

func (h *SignalingHandler) StartBroadcast(c *gin.Context) {
	streamID := domain.StreamID(c.Param("streamId"))
	if err := validation.ValidateStreamID(string(streamID)); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	var req struct {
		SDP string `json:"sdp" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}
	if err := validation.ValidateSDP(req.SDP); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	answer, err := h.orchestrator.HandleBroadcastOffer(c.Request.Context(), streamID, req.SDP)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"type": "answer",
		"sdp":  answer,
	})
}

func (h *SignalingHandler) BroadcastCandidate(c *gin.Context) {
	streamID := domain.StreamID(c.Param("streamId"))

	var cand domain.ICECandidate
	if err := c.BindJSON(&cand); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}
	if err := validation.ValidateCandidate(cand.Candidate); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	if err := h.orchestrator.HandleBroadcastCandidate(c.Request.Context(), streamID, cand); err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "candidate_added"})
}

func (h *SignalingHandler) StopBroadcast(c *gin.Context) {
	streamID := domain.StreamID(c.Param("streamId"))

	if err := h.orchestrator.EndBroadcast(c.Request.Context(), streamID); err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "broadcast_ended"})
}

func (h *SignalingHandler) JoinStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	if err := validation.ValidateStreamID(string(streamID)); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	viewerID := domain.ViewerID(utils.GenerateViewerID())

	offer, err := h.orchestrator.HandleViewerJoin(c.Request.Context(), streamID, viewerID)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"viewer_id": viewerID,
		"type":      "offer",
		"sdp":       offer,
	})
}

func (h *SignalingHandler) ViewerAnswer(c *gin.Context) {
	viewerID := domain.ViewerID(c.Param("id"))
	if err := validation.ValidateViewerID(string(viewerID)); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	var req struct {
		SDP string `json:"sdp" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}
	if err := validation.ValidateSDP(req.SDP); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	if err := h.orchestrator.HandleViewerAnswer(c.Request.Context(), viewerID, req.SDP); err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "answer_processed"})
}

func (h *SignalingHandler) ViewerCandidate(c *gin.Context) {
	viewerID := domain.ViewerID(c.Param("id"))
	if err := validation.ValidateViewerID(string(viewerID)); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	var cand domain.ICECandidate
	if err := c.BindJSON(&cand); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}
	if err := validation.ValidateCandidate(cand.Candidate); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	if err := h.orchestrator.HandleViewerCandidate(c.Request.Context(), viewerID, cand); err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "candidate_added"})
}

func (h *SignalingHandler) LeaveStream(c *gin.Context) {
	viewerID := domain.ViewerID(c.Param("id"))
	if err := validation.ValidateViewerID(string(viewerID)); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	if err := h.orchestrator.EndViewer(c.Request.Context(), viewerID); err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *SignalingHandler) ListStreams(c *gin.Context) {
	streams := h.orchestrator.ListStreams(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"total":   len(streams),
	})
}

func (h *SignalingHandler) GetStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("streamId"))

	status, err := h.orchestrator.StreamStatus(c.Request.Context(), streamID)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": status})
}

// StreamEvents upgrades to a websocket delivering out-of-band push events
// for one stream.
func (h *SignalingHandler) StreamEvents(c *gin.Context) {
	streamID := domain.StreamID(c.Param("streamId"))
	if err := validation.ValidateStreamID(string(streamID)); err != nil {
		c.Error(apperrors.NewInvalidInput(err.Error()))
		return
	}

	h.hub.HandleWebSocket(c.Writer, c.Request, streamID)
}

func (h *SignalingHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// mapDomainError translates domain sentinels into the structured errors the
// error handler middleware renders.
func mapDomainError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		return apperrors.NewNotFound("stream")
	case errors.Is(err, domain.ErrStreamNotReady):
		return apperrors.NewNotReady("stream has no media yet, retry shortly")
	case errors.Is(err, domain.ErrAlreadyBroadcasting):
		return apperrors.NewAlreadyBroadcasting("stream already has an active broadcaster")
	case errors.Is(err, domain.ErrViewerNotFound):
		return apperrors.NewViewerNotFound()
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewNotFound("session")
	case errors.Is(err, domain.ErrInvalidState):
		return apperrors.NewConflict(err.Error())
	case errors.Is(err, domain.ErrNegotiation):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "negotiation failed", http.StatusBadRequest)
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
