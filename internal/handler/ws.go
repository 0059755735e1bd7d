package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/middleware"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/orchestrator"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
	"github.com/capitalize-ai/intake-agent/pkg/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
)

// Frame types sent by the client.
const (
	FrameMessage = "message"
	FrameCancel  = "cancel"
)

// WSFrame is a client frame.
type WSFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// WSEvent is a server frame. Type mirrors the SSE event names.
type WSEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// origins are enforced by the CORS layer for browser callers
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// WebSocket handles GET /api/v1/sessions/:sessionID/ws
// Each message frame starts a turn; a new message cancels the turn still
// streaming, and a cancel frame stops it without sending anything.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	if _, err := h.service.GetSession(r.Context(), sessionID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.StreamOpened("websocket")
	defer metrics.StreamClosed("websocket")

	log := h.logger.With(zap.String("session_id", sessionID))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan WSEvent, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(conn, out, cancel, log)
	}()

	send := func(ev WSEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		wg      sync.WaitGroup
		current *orchestrator.Turn
	)

	conn.SetReadLimit(int64(middleware.MaxContentLength) * 2)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var frame WSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("websocket closed", zap.Error(err))
			}
			break
		}

		switch frame.Type {
		case FrameCancel:
			if current != nil {
				current.Cancel()
			}

		case FrameMessage:
			if err := middleware.ValidateMessageContent(frame.Content); err != nil {
				send(WSEvent{Type: "error", Data: &model.ErrorEvent{Code: "invalid_input", Message: err.Error()}})
				continue
			}

			turn, _, err := h.service.StartTurn(ctx, sessionID, frame.Content)
			if err != nil {
				_, code := statusFor(err)
				send(WSEvent{Type: "error", Data: &model.ErrorEvent{
					Code:       code,
					Message:    err.Error(),
					RetryAfter: retryAfter(err),
				}})
				continue
			}
			current = turn

			wg.Add(1)
			go func() {
				defer wg.Done()
				forwardTurn(turn, send)
			}()

		default:
			send(WSEvent{Type: "error", Data: &model.ErrorEvent{Code: "invalid_input", Message: "unknown frame type"}})
		}
	}

	// closing the socket cancels any running turn
	cancel()
	wg.Wait()
	close(out)
	<-writerDone
	conn.Close()
}

func forwardTurn(turn *orchestrator.Turn, send func(WSEvent) bool) {
	send(WSEvent{Type: "visitor_message", Data: turn.Message})

	for reply := range turn.Replies() {
		typ := "token"
		if reply.Done {
			typ = "done"
		}
		if !send(WSEvent{Type: typ, Data: reply}) {
			turn.Cancel()
		}
	}

	err := turn.Wait()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		send(WSEvent{Type: "cancelled"})
	default:
		_, code := statusFor(err)
		send(WSEvent{Type: "error", Data: &model.ErrorEvent{Code: code, Message: err.Error()}})
	}
}

func writePump(conn *websocket.Conn, out <-chan WSEvent, cancel context.CancelFunc, log *logger.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				cancel()
				conn.Close()
				// keep draining so senders never block
				for range out {
				}
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				conn.Close()
				for range out {
				}
				return
			}
		}
	}
}
