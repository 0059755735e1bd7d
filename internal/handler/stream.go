package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/middleware"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/service"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
	"github.com/capitalize-ai/intake-agent/pkg/metrics"
)

// heartbeatInterval keeps idle streams alive through proxies while the
// provider is thinking.
const heartbeatInterval = 15 * time.Second

// StreamHandler handles turn streaming endpoints.
type StreamHandler struct {
	service  *service.IntakeService
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.IntakeService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		service:  svc,
		logger:   log,
		upgrader: newUpgrader(),
	}
}

// Turn handles POST /api/v1/sessions/:sessionID/turns
// It accepts a visitor message and streams the agent's reply as SSE.
// Events: visitor_message, token (PartialReply), done (final PartialReply),
// cancelled, error, heartbeat.
func (h *StreamHandler) Turn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// errors before the stream opens are plain JSON responses
	turn, decision, err := h.service.StartTurn(ctx, sessionID, req.Content)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.RateLimit.Remaining))
	w.WriteHeader(http.StatusOK)

	metrics.StreamOpened("sse")
	defer metrics.StreamClosed("sse")

	log := h.logger.With(zap.String("session_id", sessionID))

	if err := sendSSEEvent(w, flusher, "visitor_message", turn.Message); err != nil {
		turn.Cancel()
		turn.Wait()
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	replies := turn.Replies()
	for replies != nil {
		select {
		case reply, open := <-replies:
			if !open {
				replies = nil
				continue
			}
			event := "token"
			if reply.Done {
				event = "done"
			}
			if err := sendSSEEvent(w, flusher, event, reply); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				turn.Cancel()
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}

	// a client disconnect cancels the request context and with it the turn
	switch err := turn.Wait(); {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Info("turn cancelled")
		sendSSEEvent(w, flusher, "cancelled", map[string]string{"session_id": sessionID})
	default:
		status, code := statusFor(err)
		log.Warn("turn failed", zap.Int("status", status), zap.Error(err))
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    code,
			Message: err.Error(),
		})
	}
}

// Cancel handles POST /api/v1/sessions/:sessionID/turns/cancel
// It cancels the running turn, if any, without ending the session.
func (h *StreamHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.CancelTurn(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
