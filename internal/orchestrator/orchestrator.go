// Package orchestrator runs conversational turns: it folds a visitor message
// into the session, asks the provider for the next reply and streams it back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/completion"
	"github.com/capitalize-ai/intake-agent/internal/extractor"
	"github.com/capitalize-ai/intake-agent/internal/llm"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/store"
	"github.com/capitalize-ai/intake-agent/internal/validator"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
	"github.com/capitalize-ai/intake-agent/pkg/metrics"
	"github.com/capitalize-ai/intake-agent/pkg/tracing"
)

// Turn outcomes recorded in metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Publisher receives session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event *model.SessionEvent) error
}

// Options tunes the orchestrator.
type Options struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	HistoryLimit int

	// PreemptInFlight cancels a running turn when a new one arrives for the
	// same session. When false the new turn waits.
	PreemptInFlight bool
}

// DefaultOptions returns the stock options.
func DefaultOptions() Options {
	return Options{
		MaxTokens:       1024,
		Temperature:     0.3,
		HistoryLimit:    50,
		PreemptInFlight: true,
	}
}

// Orchestrator coordinates turns. At most one turn or exclusive operation
// runs per session; different sessions run in parallel.
type Orchestrator struct {
	store     store.Store
	provider  llm.Client
	publisher Publisher
	logger    *logger.Logger
	tracer    trace.Tracer
	opts      Options
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]*slot
}

// New creates an orchestrator. A nil provider uses the template client, a nil
// publisher drops events and a nil logger falls back to the global one.
func New(st store.Store, provider llm.Client, publisher Publisher, opts Options, log *logger.Logger) *Orchestrator {
	if provider == nil {
		provider = llm.NewTemplateClient()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if log == nil {
		log = logger.Global()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions().MaxTokens
	}
	return &Orchestrator{
		store:     st,
		provider:  provider,
		publisher: publisher,
		logger:    log.Named("orchestrator"),
		tracer:    tracing.Tracer("intake-agent/orchestrator"),
		opts:      opts,
		now:       time.Now,
		inflight:  make(map[string]*slot),
	}
}

// slot marks a session as busy until done is closed.
type slot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Turn is a running reply. Read Replies until it is closed, then call Wait.
type Turn struct {
	slot

	// Message is the stored visitor message that started the turn.
	Message *model.Message

	replies chan model.PartialReply
	err     error
}

// Replies streams partial replies. ContentSoFar only grows and the final
// emission of a finished turn has Done set. The channel is closed when the
// turn is torn down.
func (t *Turn) Replies() <-chan model.PartialReply {
	return t.replies
}

// Cancel stops the turn. Content streamed so far is kept as a partial
// message and the session status is left unchanged.
func (t *Turn) Cancel() {
	t.cancel()
}

// Done is closed once the turn is torn down.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn is torn down and returns its error. Replies
// not yet received are discarded.
func (t *Turn) Wait() error {
	for range t.replies {
	}
	<-t.done
	return t.err
}

// Respond starts a turn for the visitor text. Input, lookup and closed
// session errors are returned before anything is stored; provider failures
// surface from Turn.Wait.
func (o *Orchestrator) Respond(ctx context.Context, sessionID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message content is required", model.ErrInvalidInput)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t := &Turn{
		slot:    slot{cancel: cancel, done: make(chan struct{})},
		replies: make(chan model.PartialReply, 8),
	}

	if err := o.acquire(ctx, sessionID, &t.slot, o.opts.PreemptInFlight); err != nil {
		cancel()
		return nil, err
	}

	prepared, err := o.prepare(ctx, sessionID, text)
	if err != nil {
		o.release(sessionID, &t.slot)
		cancel()
		close(t.replies)
		close(t.done)
		return nil, err
	}
	t.Message = prepared.message

	go o.run(turnCtx, t, prepared)

	return t, nil
}

// Exclusive runs fn while holding the session's turn slot. With preempt set
// a running turn is cancelled first; otherwise fn waits for it.
func (o *Orchestrator) Exclusive(ctx context.Context, sessionID string, preempt bool, fn func(ctx context.Context) error) error {
	s := &slot{cancel: func() {}, done: make(chan struct{})}
	if err := o.acquire(ctx, sessionID, s, preempt); err != nil {
		return err
	}
	defer func() {
		o.release(sessionID, s)
		close(s.done)
	}()
	return fn(ctx)
}

// Cancel stops the session's running turn and waits for it to be torn
// down. It reports whether a turn was running.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (bool, error) {
	o.mu.Lock()
	s, ok := o.inflight[sessionID]
	o.mu.Unlock()
	if !ok {
		return false, nil
	}

	s.cancel()
	select {
	case <-s.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// InFlight reports whether a turn is running for the session.
func (o *Orchestrator) InFlight(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[sessionID]
	return ok
}

func (o *Orchestrator) acquire(ctx context.Context, sessionID string, s *slot, preempt bool) error {
	for {
		o.mu.Lock()
		prev, busy := o.inflight[sessionID]
		if !busy {
			o.inflight[sessionID] = s
			o.mu.Unlock()
			return nil
		}
		o.mu.Unlock()

		if preempt {
			prev.cancel()
		}

		select {
		case <-prev.done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", model.ErrTurnInProgress, ctx.Err())
		}
	}
}

func (o *Orchestrator) release(sessionID string, s *slot) {
	o.mu.Lock()
	if o.inflight[sessionID] == s {
		delete(o.inflight, sessionID)
	}
	o.mu.Unlock()
}

type preparedTurn struct {
	schema    *model.Schema
	session   *model.Session
	history   []model.Message
	message   *model.Message
	collected []string
	eval      completion.Evaluation
	log       *logger.Logger
}

// prepare runs the synchronous part of a turn: lookups, extraction, merge
// and persistence of the visitor message and session.
func (o *Orchestrator) prepare(ctx context.Context, sessionID, text string) (*preparedTurn, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", model.ErrSessionClosed, sessionID, session.Status)
	}

	schema, err := o.store.GetSchema(ctx, session.SchemaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	history, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	now := o.now().UTC()
	msg := &model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: sessionID,
		Role:      model.RoleVisitor,
		Content:   text,
		Timestamp: now,
	}
	history = append(history, *msg)

	candidates := extractor.Extract(history, schema.Fields)
	collected, state := Merge(session, schema, candidates, msg.ID)
	msg.ValidationState = state

	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store visitor message: %w", err)
	}
	history[len(history)-1].Sequence = msg.Sequence

	ev := completion.Evaluate(session.Extracted, schema.Fields)
	session.CompletionRate = ev.Rate
	session.UpdatedAt = now
	if err := o.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	return &preparedTurn{
		schema:    schema,
		session:   session,
		history:   history,
		message:   msg,
		collected: collected,
		eval:      ev,
		log:       o.logger.WithSession(session.ID, schema.ID),
	}, nil
}

// Merge folds candidates into the session's extracted map. A candidate
// replaces the current entry unless the current entry is newer. It returns
// the labels of fields captured from messageID and that message's
// validation state.
func Merge(session *model.Session, schema *model.Schema, candidates map[string]model.ExtractedField, messageID string) ([]string, model.ValidationState) {
	if session.Extracted == nil {
		session.Extracted = make(map[string]model.ExtractedField)
	}

	var (
		collected []string
		fromMsg   int
		invalid   bool
	)

	for _, field := range schema.Fields {
		cand, ok := candidates[field.ID]
		if !ok {
			continue
		}
		cand.Validated = validator.Validate(cand.Value, field).Valid

		if cand.SourceMessageID == messageID {
			fromMsg++
			if !cand.Validated {
				invalid = true
			}
			metrics.FieldsExtractedTotal.WithLabelValues(string(field.Type), strconv.FormatBool(cand.Validated)).Inc()
		}

		current, exists := session.Extracted[field.ID]
		if exists && cand.ExtractedAt.Before(current.ExtractedAt) {
			continue
		}
		if exists && current.SourceMessageID == cand.SourceMessageID && current.Value == cand.Value {
			continue
		}
		session.Extracted[field.ID] = cand
		if cand.SourceMessageID == messageID {
			collected = append(collected, field.Label)
		}
	}

	switch {
	case fromMsg == 0:
		return collected, model.ValidationPending
	case invalid:
		return collected, model.ValidationInvalid
	default:
		return collected, model.ValidationValid
	}
}

func (o *Orchestrator) run(ctx context.Context, t *Turn, p *preparedTurn) {
	start := time.Now()
	outcome := OutcomeCompleted
	provider := o.provider

	ctx, span := o.tracer.Start(ctx, "orchestrator.turn",
		trace.WithAttributes(
			attribute.String("session.id", p.session.ID),
			attribute.String("schema.id", p.schema.ID),
			attribute.Int("completion.rate", p.eval.Rate),
		),
	)

	defer func() {
		metrics.RecordTurn(outcome, time.Since(start).Seconds())
		span.End()
		o.release(p.session.ID, &t.slot)
		t.cancel()
		close(t.replies)
		close(t.done)
	}()

	prompt := BuildPrompt(p.schema, p.session, p.history, p.collected, o.opts.HistoryLimit)

	// content holds only what the caller was sent
	var content strings.Builder
	emit := func(r model.PartialReply) error {
		// a ready buffer must not win over a cancellation that already happened
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case t.replies <- r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	streamStart := time.Now()
	resp, err := provider.CompleteStream(ctx, &llm.CompletionRequest{
		Model:       o.opts.Model,
		System:      prompt.System,
		Messages:    prompt.Messages,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
		Plan:        prompt.Plan,
	}, func(chunk string, index int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk == "" {
			return nil
		}
		next := content.String() + chunk
		if err := emit(model.PartialReply{ContentSoFar: next}); err != nil {
			return err
		}
		content.WriteString(chunk)
		return nil
	})
	if err == nil && errors.Is(ctx.Err(), context.Canceled) {
		// the provider finished without noticing the cancellation
		err = ctx.Err()
	}

	// persistence outlives a cancelled turn
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		status := "error"
		if errors.Is(ctx.Err(), context.Canceled) {
			outcome = OutcomeCancelled
			status = "cancelled"
			t.err = o.cancelled(persistCtx, p, content.String())
		} else {
			outcome = OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.err = o.failed(persistCtx, p, provider.Name(), content.String(), err)
		}
		metrics.RecordLLMStream(provider.Name(), status, time.Since(streamStart).Seconds(), 0, 0)
		return
	}
	metrics.RecordLLMStream(provider.Name(), "success", time.Since(streamStart).Seconds(), resp.TokensIn, resp.TokensOut)

	final, err := o.finish(persistCtx, p, content.String())
	if err != nil {
		outcome = OutcomeFailed
		span.RecordError(err)
		t.err = err
		return
	}

	if err := emit(final); err != nil {
		// cancelled after the reply was stored; the turn itself is complete
		p.log.Debug("final reply not delivered", zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, p *preparedTurn, content string) (model.PartialReply, error) {
	now := o.now().UTC()

	reply := &model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: p.session.ID,
		Role:      model.RoleAgent,
		Content:   content,
		Timestamp: now,
	}
	if err := o.store.AppendMessage(ctx, reply); err != nil {
		return model.PartialReply{}, fmt.Errorf("failed to store agent message: %w", err)
	}

	session, err := o.applyCompletion(ctx, p, now)
	if err != nil {
		return model.PartialReply{}, err
	}

	return model.PartialReply{
		ContentSoFar:    content,
		Done:            true,
		ExtractedFields: session.Extracted,
		CompletionRate:  session.CompletionRate,
		Status:          session.Status,
	}, nil
}

func (o *Orchestrator) cancelled(ctx context.Context, p *preparedTurn, content string) error {
	p.log.Info("turn cancelled", zap.Int("partial_length", len(content)))

	if err := o.storePartial(ctx, p, content); err != nil {
		p.log.Error("failed to store partial reply", zap.Error(err))
	}
	o.publish(ctx, p, model.EventTypeCancel, "turn cancelled", nil)

	// values given in this turn still count
	if _, err := o.applyCompletion(ctx, p, o.now().UTC()); err != nil {
		p.log.Error("failed to apply completion", zap.Error(err))
	}

	return context.Canceled
}

// applyCompletion reloads the session, refreshes its completion rate and
// moves it to completed the first time every required field is present.
func (o *Orchestrator) applyCompletion(ctx context.Context, p *preparedTurn, now time.Time) (*model.Session, error) {
	session, err := o.store.GetSession(ctx, p.session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload session: %w", err)
	}

	ev := completion.Evaluate(session.Extracted, p.schema.Fields)
	became, err := completion.Apply(session, ev, now)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if became {
		metrics.SessionsTotal.WithLabelValues(string(model.SessionCompleted)).Inc()
		p.log.Info("session completed", zap.Int("fields", len(session.Extracted)))
		o.publish(ctx, p, model.EventTypeCompleted, "", map[string]any{
			"completion_rate": session.CompletionRate,
		})
	}
	return session, nil
}

func (o *Orchestrator) failed(ctx context.Context, p *preparedTurn, providerName, content string, cause error) error {
	p.log.Error("provider stream failed",
		zap.String("provider", providerName),
		zap.Error(cause),
	)

	if err := o.storePartial(ctx, p, content); err != nil {
		p.log.Error("failed to store partial reply", zap.Error(err))
	}

	session, err := o.store.GetSession(ctx, p.session.ID)
	if err == nil {
		session.ErrorReason = cause.Error()
		if terr := session.Transition(model.SessionError, o.now().UTC()); terr == nil {
			if uerr := o.store.UpdateSession(ctx, session); uerr != nil {
				p.log.Error("failed to mark session failed", zap.Error(uerr))
			}
			metrics.SessionsTotal.WithLabelValues(string(model.SessionError)).Inc()
		}
	} else {
		p.log.Error("failed to reload session", zap.Error(err))
	}

	o.publish(ctx, p, model.EventTypeError, cause.Error(), map[string]any{
		"provider": providerName,
	})

	return fmt.Errorf("%w: %w", model.ErrProvider, cause)
}

func (o *Orchestrator) storePartial(ctx context.Context, p *preparedTurn, content string) error {
	if content == "" {
		return nil
	}
	return o.store.AppendMessage(ctx, &model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: p.session.ID,
		Role:      model.RoleAgent,
		Content:   content,
		Timestamp: o.now().UTC(),
		Partial:   true,
	})
}

func (o *Orchestrator) publish(ctx context.Context, p *preparedTurn, typ model.EventType, reason string, meta map[string]any) {
	err := o.publisher.Publish(ctx, &model.SessionEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: p.session.ID,
		SchemaID:  p.schema.ID,
		Type:      typ,
		Reason:    reason,
		Metadata:  meta,
		CreatedAt: o.now().UTC(),
	})
	if err != nil {
		p.log.Warn("failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *model.SessionEvent) error { return nil }
