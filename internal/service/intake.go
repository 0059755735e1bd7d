// Package service provides the caller-facing operations of the intake engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/admission"
	"github.com/capitalize-ai/intake-agent/internal/completion"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/orchestrator"
	"github.com/capitalize-ai/intake-agent/internal/store"
	"github.com/capitalize-ai/intake-agent/internal/validator"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
	"github.com/capitalize-ai/intake-agent/pkg/metrics"
)

// anonymousVisitor keys session admission for callers without a visitor key.
const anonymousVisitor = "anonymous"

// IntakeService handles schema, session and turn operations.
type IntakeService struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	admission    *admission.Controller
	publisher    EventPublisher
	logger       *logger.Logger
	now          func() time.Time
}

// NewIntakeService creates a new intake service.
func NewIntakeService(
	st store.Store,
	orch *orchestrator.Orchestrator,
	adm *admission.Controller,
	publisher EventPublisher,
	log *logger.Logger,
) *IntakeService {
	if publisher == nil {
		publisher = NewLogPublisher(log)
	}
	return &IntakeService{
		store:        st,
		orchestrator: orch,
		admission:    adm,
		publisher:    publisher,
		logger:       log.Named("service"),
		now:          time.Now,
	}
}

// RegisterSchema validates and stores a schema, replacing any with the same id.
func (s *IntakeService) RegisterSchema(ctx context.Context, schema *model.Schema) error {
	if strings.TrimSpace(schema.ID) == "" {
		return fmt.Errorf("%w: schema id is required", model.ErrInvalidInput)
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	if err := s.store.PutSchema(ctx, schema); err != nil {
		return fmt.Errorf("failed to store schema: %w", err)
	}

	s.logger.Info("schema registered",
		zap.String("schema_id", schema.ID),
		zap.Int("fields", len(schema.Fields)),
		zap.Int("required", schema.RequiredCount()),
	)
	return nil
}

// GetSchema retrieves a schema by id.
func (s *IntakeService) GetSchema(ctx context.Context, schemaID string) (*model.Schema, error) {
	return s.store.GetSchema(ctx, schemaID)
}

// ListSchemas returns every registered schema.
func (s *IntakeService) ListSchemas(ctx context.Context) ([]model.Schema, error) {
	return s.store.ListSchemas(ctx)
}

// CreateSession opens a session for a schema and stores the agent's greeting.
func (s *IntakeService) CreateSession(ctx context.Context, req *model.CreateSessionRequest) (*model.SessionResponse, error) {
	if strings.TrimSpace(req.SchemaID) == "" {
		return nil, fmt.Errorf("%w: schema_id is required", model.ErrInvalidInput)
	}

	schema, err := s.store.GetSchema(ctx, req.SchemaID)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	key := req.VisitorKey
	if key == "" {
		key = anonymousVisitor
	}
	rl, err := s.admission.Check(ctx, key, admission.CategorySessions)
	if err != nil {
		return nil, err
	}
	if !rl.Allowed {
		return nil, &RateLimitError{Result: rl}
	}

	now := s.now().UTC()
	session := &model.Session{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SchemaID:   schema.ID,
		VisitorKey: req.VisitorKey,
		Status:     model.SessionActive,
		Extracted:  make(map[string]model.ExtractedField),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	session.CompletionRate = completion.CompletionRate(session.Extracted, schema.Fields)

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	greeting := &model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: session.ID,
		Role:      model.RoleAgent,
		Content:   orchestrator.Greeting(schema),
		Timestamp: now,
	}
	if err := s.store.AppendMessage(ctx, greeting); err != nil {
		return nil, fmt.Errorf("failed to store greeting: %w", err)
	}

	metrics.SessionsTotal.WithLabelValues(string(model.SessionActive)).Inc()
	s.logger.WithSession(session.ID, schema.ID).Info("session created")

	return &model.SessionResponse{Session: session, Greeting: greeting}, nil
}

// GetSession retrieves a session by id.
func (s *IntakeService) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListMessages returns a session's transcript.
func (s *IntakeService) ListMessages(ctx context.Context, sessionID string) (*model.ListMessagesResponse, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}

	return &model.ListMessagesResponse{
		Messages: messages,
		Total:    len(messages),
	}, nil
}

// StartTurn admits a visitor message and starts the agent's reply. The
// returned decision is populated whenever admission ran.
func (s *IntakeService) StartTurn(ctx context.Context, sessionID, content string) (*orchestrator.Turn, admission.Decision, error) {
	var decision admission.Decision

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, decision, fmt.Errorf("%w: message content is required", model.ErrInvalidInput)
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, decision, err
	}
	if session.Status.Terminal() {
		return nil, decision, fmt.Errorf("%w: session %s is %s", model.ErrSessionClosed, sessionID, session.Status)
	}

	history, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, decision, fmt.Errorf("failed to load history: %w", err)
	}
	history = append(history, model.Message{
		SessionID: sessionID,
		Role:      model.RoleVisitor,
		Content:   content,
		Timestamp: s.now().UTC(),
	})

	decision, err = s.admission.AdmitTurn(ctx, sessionID, history)
	if decision.Abuse.Abusive {
		s.publish(ctx, session, model.EventTypeAbuse, decision.Abuse.Reason, map[string]any{
			"blocked": errors.Is(err, model.ErrAbusive),
		})
	}
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			s.publish(ctx, session, model.EventTypeRateLimit, err.Error(), map[string]any{
				"category":    admission.CategoryMessages,
				"retry_after": decision.RateLimit.RetryAfter,
			})
			return nil, decision, &RateLimitError{Result: decision.RateLimit}
		}
		return nil, decision, err
	}

	turn, err := s.orchestrator.Respond(ctx, sessionID, content)
	if err != nil {
		return nil, decision, err
	}
	return turn, decision, nil
}

// CancelTurn cancels the session's running turn. It reports whether one was
// running.
func (s *IntakeService) CancelTurn(ctx context.Context, sessionID string) (bool, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	return s.orchestrator.Cancel(ctx, sessionID)
}

// ValidateValue previews validation of a value against a schema field.
func (s *IntakeService) ValidateValue(ctx context.Context, schemaID, fieldID, value string) (model.ValidationResult, error) {
	schema, err := s.store.GetSchema(ctx, schemaID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	field, ok := schema.Field(fieldID)
	if !ok {
		return model.ValidationResult{}, fmt.Errorf("field %s: %w", fieldID, model.ErrNotFound)
	}
	return validator.Validate(value, field), nil
}

// CheckAdmission counts one action for key in category.
func (s *IntakeService) CheckAdmission(ctx context.Context, key, category string) (model.RateLimitResult, error) {
	if strings.TrimSpace(key) == "" {
		return model.RateLimitResult{}, fmt.Errorf("%w: key is required", model.ErrInvalidInput)
	}
	return s.admission.Check(ctx, key, category)
}

// EndSession abandons a session, cancelling any running turn first.
func (s *IntakeService) EndSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var out *model.Session

	err := s.orchestrator.Exclusive(ctx, sessionID, true, func(ctx context.Context) error {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := session.Transition(model.SessionAbandoned, s.now().UTC()); err != nil {
			return err
		}
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SessionsTotal.WithLabelValues(string(model.SessionAbandoned)).Inc()
	s.logger.WithSession(out.ID, out.SchemaID).Info("session abandoned",
		zap.Int("completion_rate", out.CompletionRate),
	)
	s.publish(ctx, out, model.EventTypeAbandoned, "ended by caller", map[string]any{
		"completion_rate": out.CompletionRate,
	})

	return out, nil
}

// SubmitField records a value supplied directly for a field, bypassing
// extraction. Invalid values are rejected with their validation result.
func (s *IntakeService) SubmitField(ctx context.Context, sessionID, fieldID, value string) (*model.Session, model.ValidationResult, error) {
	var (
		out    *model.Session
		result model.ValidationResult
		became bool
	)

	rl, err := s.admission.Check(ctx, sessionID, admission.CategorySubmissions)
	if err != nil {
		return nil, result, err
	}
	if !rl.Allowed {
		return nil, result, &RateLimitError{Result: rl}
	}

	err = s.orchestrator.Exclusive(ctx, sessionID, false, func(ctx context.Context) error {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return fmt.Errorf("%w: session %s is %s", model.ErrSessionClosed, sessionID, session.Status)
		}

		schema, err := s.store.GetSchema(ctx, session.SchemaID)
		if err != nil {
			return err
		}
		field, ok := schema.Field(fieldID)
		if !ok {
			return fmt.Errorf("field %s: %w", fieldID, model.ErrNotFound)
		}

		value = strings.TrimSpace(value)
		result = validator.Validate(value, field)
		if !result.Valid {
			return fmt.Errorf("%w: %s", model.ErrInvalidInput, strings.Join(result.Errors, "; "))
		}

		now := s.now().UTC()
		if session.Extracted == nil {
			session.Extracted = make(map[string]model.ExtractedField)
		}
		session.Extracted[field.ID] = model.ExtractedField{
			FieldID:     field.ID,
			Value:       value,
			Confidence:  100,
			RawValue:    value,
			Validated:   true,
			ExtractedAt: now,
			Manual:      true,
		}

		ev := completion.Evaluate(session.Extracted, schema.Fields)
		became, err = completion.Apply(session, ev, now)
		if err != nil {
			return err
		}
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, result, err
	}

	log := s.logger.WithSession(out.ID, out.SchemaID)
	log.Info("field submitted",
		zap.String("field_id", fieldID),
		zap.Int("completion_rate", out.CompletionRate),
	)
	if became {
		metrics.SessionsTotal.WithLabelValues(string(model.SessionCompleted)).Inc()
		log.Info("session completed")
		s.publish(ctx, out, model.EventTypeCompleted, "", map[string]any{
			"completion_rate": out.CompletionRate,
		})
	}

	return out, result, nil
}

func (s *IntakeService) publish(ctx context.Context, session *model.Session, typ model.EventType, reason string, meta map[string]any) {
	err := s.publisher.Publish(ctx, &model.SessionEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: session.ID,
		SchemaID:  session.SchemaID,
		Type:      typ,
		Reason:    reason,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("session_id", session.ID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}

// RateLimitError carries the admission result of a rejected action.
type RateLimitError struct {
	Result model.RateLimitResult
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", model.ErrRateLimited, e.Result.RetryAfter)
}

// Unwrap lets errors.Is match model.ErrRateLimited.
func (e *RateLimitError) Unwrap() error {
	return model.ErrRateLimited
}
