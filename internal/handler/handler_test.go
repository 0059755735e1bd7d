package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/intake-agent/internal/admission"
	"github.com/capitalize-ai/intake-agent/internal/kv"
	"github.com/capitalize-ai/intake-agent/internal/llm"
	"github.com/capitalize-ai/intake-agent/internal/middleware"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/orchestrator"
	"github.com/capitalize-ai/intake-agent/internal/service"
	"github.com/capitalize-ai/intake-agent/internal/store"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

const leadSchemaJSON = `{
	"id": "lead",
	"name": "Lead capture",
	"persona": {"name": "Ava", "tone": "friendly"},
	"fields": [
		{"id": "email", "label": "Email", "type": "email", "required": true, "order": 0},
		{"id": "name", "label": "Name", "type": "text", "required": true, "order": 1},
		{"id": "plan", "label": "Plan", "type": "select", "options": ["basic", "pro"], "order": 2}
	]
}`

func newTestRouter(t *testing.T, limits map[string]admission.Limit) http.Handler {
	t.Helper()

	st := store.NewMemoryStore()
	log := logger.NewNop()
	merged := admission.DefaultLimits()
	for category, l := range limits {
		merged[category] = l
	}
	limiter := admission.NewRateLimiter(kv.NewMemoryStore(), merged, log)
	ctrl := admission.NewController(limiter, admission.NewAbuseDetector(admission.DefaultAbuseConfig()), false, log)
	orch := orchestrator.New(st, llm.NewTemplateClient(), nil, orchestrator.DefaultOptions(), log)
	svc := service.NewIntakeService(st, orch, ctrl, nil, log)

	return NewRouter(svc, RouterConfig{}, log)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.VisitorHeader, "visitor-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerLead(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/schemas", leadSchemaJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"schema_id":"lead"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp model.SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Session)
	return resp.Session.ID
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, nil)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store":"memory"`)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestSchemaEndpoints(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)

	rec := do(t, h, http.MethodGet, "/api/v1/schemas/lead", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var schema model.Schema
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schema))
	assert.Len(t, schema.Fields, 3)

	rec = do(t, h, http.MethodGet, "/api/v1/schemas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = do(t, h, http.MethodGet, "/api/v1/schemas/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")

	rec = do(t, h, http.MethodPost, "/api/v1/schemas", `{"id":"bad","name":"Bad","fields":[{"id":"x","label":"X","type":"select"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/schemas", `{"id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateValueEndpoint(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/schemas/lead/validate", `{"field_id":"email","value":"bad@"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result model.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)

	rec = do(t, h, http.MethodPost, "/api/v1/schemas/lead/validate", `{"field_id":"plan","value":"pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)

	rec = do(t, h, http.MethodPost, "/api/v1/schemas/lead/validate", `{"field_id":"nope","value":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)
	id := createSession(t, h)

	rec := do(t, h, http.MethodGet, "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/"+id+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Equal(t, 1, msgs.Total)
	assert.Equal(t, model.RoleAgent, msgs.Messages[0].Role)

	rec = do(t, h, http.MethodDelete, "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var session model.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, model.SessionAbandoned, session.Status)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/turns", `{"content":"hello"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_closed")
}

func TestSessionErrors(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)

	rec := do(t, h, http.MethodGet, "/api/v1/sessions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/0192a7a0-0000-7000-8000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions", `{"schema_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionRateLimited(t *testing.T) {
	h := newTestRouter(t, map[string]admission.Limit{
		admission.CategorySessions: {Max: 1, Window: time.Hour},
	})
	registerLead(t, h)
	createSession(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"schema_id":"lead"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestTurnStreamsReply(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)
	id := createSession(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/turns", `{"content":"I'm Sam, sam@x.com"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "visitor_message", events[0].name)

	last := events[len(events)-1]
	require.Equal(t, "done", last.name)

	var reply model.PartialReply
	require.NoError(t, json.Unmarshal([]byte(last.data), &reply))
	assert.True(t, reply.Done)
	assert.Equal(t, 100, reply.CompletionRate)
	assert.Equal(t, model.SessionCompleted, reply.Status)
	assert.Equal(t, "sam@x.com", reply.ExtractedFields["email"].Value)
	assert.NotEmpty(t, reply.ContentSoFar)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/"+id+"/messages", "")
	var msgs model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Equal(t, 3, msgs.Total)
}

func TestTurnRejectsEmptyContent(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)
	id := createSession(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/turns", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/"+id+"/messages", "")
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestTurnRateLimited(t *testing.T) {
	h := newTestRouter(t, map[string]admission.Limit{
		admission.CategoryMessages: {Max: 1, Window: time.Minute},
	})
	registerLead(t, h)
	id := createSession(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/turns", `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/turns", `{"content":"hello again"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCancelWithoutTurn(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)
	id := createSession(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/turns/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled":false`)
}

func TestSubmitField(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)
	id := createSession(t, h)

	rec := do(t, h, http.MethodPut, "/api/v1/sessions/"+id+"/fields/email", `{"value":"not-an-email"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var result model.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)

	rec = do(t, h, http.MethodPut, "/api/v1/sessions/"+id+"/fields/email", `{"value":"sam@x.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPut, "/api/v1/sessions/"+id+"/fields/name", `{"value":"Sam"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var session model.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, model.SessionCompleted, session.Status)
	assert.Equal(t, 100, session.CompletionRate)

	rec = do(t, h, http.MethodPut, "/api/v1/sessions/"+id+"/fields/unknown", `{"value":"x"}`)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestAdmissionCheck(t *testing.T) {
	h := newTestRouter(t, map[string]admission.Limit{
		admission.CategoryMessages: {Max: 2, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/api/v1/admission/check", `{"key":"k1","category":"messages"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/admission/check", `{"key":"k1","category":"messages"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var result model.RateLimitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Allowed)
	assert.Positive(t, result.RetryAfter)

	rec = do(t, h, http.MethodPost, "/api/v1/admission/check", `{"key":"k2","category":"messages"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketTurn(t *testing.T) {
	h := newTestRouter(t, nil)
	registerLead(t, h)
	id := createSession(t, h)

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSFrame{Type: FrameMessage, Content: "sam@x.com"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deadline, _ := ctx.Deadline()
	require.NoError(t, conn.SetReadDeadline(deadline))

	var seen []string
	for {
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		seen = append(seen, ev.Type)
		if ev.Type == "done" {
			var reply model.PartialReply
			require.NoError(t, json.Unmarshal(ev.Data, &reply))
			// the address also satisfies the free-text name field
			assert.Equal(t, 100, reply.CompletionRate)
			assert.Equal(t, "sam@x.com", reply.ExtractedFields["name"].Value)
			break
		}
	}
	assert.Equal(t, "visitor_message", seen[0])

	require.NoError(t, conn.WriteJSON(WSFrame{Type: "bogus"}))
	var ev WSEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "error", ev.Type)
}
