package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/intake-agent/internal/llm"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/internal/store"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
)

// blockingProvider streams one chunk and then waits for cancellation.
type blockingProvider struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{started: make(chan struct{})}
}

func (p *blockingProvider) Name() string     { return "blocking" }
func (p *blockingProvider) Models() []string { return nil }

func (p *blockingProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *blockingProvider) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	if err := cb("Hello there ", 0); err != nil {
		return nil, err
	}
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingProvider streams one chunk and then fails.
type failingProvider struct{}

func (failingProvider) Name() string     { return "failing" }
func (failingProvider) Models() []string { return nil }

func (failingProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("upstream unavailable")
}

func (failingProvider) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	if err := cb("Sorry, ", 0); err != nil {
		return nil, err
	}
	return nil, errors.New("upstream unavailable")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.SessionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e *model.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func leadSchema() *model.Schema {
	return &model.Schema{
		ID:   "lead",
		Name: "Lead capture",
		Fields: []model.FieldDefinition{
			{ID: "email", Label: "Email", Type: model.FieldTypeEmail, Required: true, Order: 0},
			{ID: "name", Label: "Name", Type: model.FieldTypeText, Required: true, Order: 1},
		},
		Persona: model.Persona{Name: "Ava", Tone: model.ToneFriendly},
	}
}

type fixture struct {
	store     *store.MemoryStore
	orch      *Orchestrator
	publisher *recordingPublisher
}

func newFixture(t *testing.T, provider llm.Client, schema *model.Schema) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PutSchema(ctx, schema))

	now := time.Now().UTC()
	require.NoError(t, st.CreateSession(ctx, &model.Session{
		ID:        "s1",
		SchemaID:  schema.ID,
		Status:    model.SessionActive,
		Extracted: map[string]model.ExtractedField{},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	pub := &recordingPublisher{}
	return &fixture{
		store:     st,
		orch:      New(st, provider, pub, DefaultOptions(), logger.NewNop()),
		publisher: pub,
	}
}

func collect(t *testing.T, turn *Turn) []model.PartialReply {
	t.Helper()
	var out []model.PartialReply
	for r := range turn.Replies() {
		out = append(out, r)
	}
	return out
}

func TestRespondCompletesSession(t *testing.T) {
	f := newFixture(t, llm.NewTemplateClient(), leadSchema())
	ctx := context.Background()

	turn, err := f.orch.Respond(ctx, "s1", "I'm Sam, sam@x.com")
	require.NoError(t, err)

	replies := collect(t, turn)
	require.NoError(t, turn.Wait())
	require.NotEmpty(t, replies)

	for i := 1; i < len(replies); i++ {
		assert.GreaterOrEqual(t, len(replies[i].ContentSoFar), len(replies[i-1].ContentSoFar))
	}

	final := replies[len(replies)-1]
	assert.True(t, final.Done)
	assert.Equal(t, model.SessionCompleted, final.Status)
	assert.Equal(t, 100, final.CompletionRate)
	assert.Equal(t, "sam@x.com", final.ExtractedFields["email"].Value)
	assert.Equal(t, 95, final.ExtractedFields["email"].Confidence)
	assert.Equal(t, 70, final.ExtractedFields["name"].Confidence)

	session, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, session.Status)
	assert.NotNil(t, session.EndedAt)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleVisitor, msgs[0].Role)
	assert.Equal(t, model.ValidationValid, msgs[0].ValidationState)
	assert.Equal(t, model.RoleAgent, msgs[1].Role)
	assert.Equal(t, final.ContentSoFar, msgs[1].Content)
	assert.False(t, msgs[1].Partial)

	assert.Equal(t, []model.EventType{model.EventTypeCompleted}, f.publisher.types())
}

func TestRespondAsksForNextField(t *testing.T) {
	f := newFixture(t, llm.NewTemplateClient(), leadSchema())
	ctx := context.Background()

	turn, err := f.orch.Respond(ctx, "s1", "hello")
	require.NoError(t, err)

	replies := collect(t, turn)
	require.NoError(t, turn.Wait())

	final := replies[len(replies)-1]
	assert.True(t, final.Done)
	assert.Equal(t, model.SessionActive, final.Status)
	assert.Empty(t, final.ExtractedFields)
	assert.Contains(t, final.ContentSoFar, "email")

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationPending, msgs[0].ValidationState)
}

func TestRespondRejectsBeforeStoring(t *testing.T) {
	f := newFixture(t, llm.NewTemplateClient(), leadSchema())
	ctx := context.Background()

	_, err := f.orch.Respond(ctx, "s1", "   ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.orch.Respond(ctx, "missing", "hello")
	assert.ErrorIs(t, err, model.ErrNotFound)

	session, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, session.Transition(model.SessionAbandoned, time.Now()))
	require.NoError(t, f.store.UpdateSession(ctx, session))

	_, err = f.orch.Respond(ctx, "s1", "hello")
	assert.ErrorIs(t, err, model.ErrSessionClosed)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, f.orch.InFlight("s1"))
}

func TestRespondEmptySchemaIsComplete(t *testing.T) {
	f := newFixture(t, llm.NewTemplateClient(), &model.Schema{ID: "empty", Name: "Empty"})

	turn, err := f.orch.Respond(context.Background(), "s1", "hi")
	require.NoError(t, err)
	replies := collect(t, turn)
	require.NoError(t, turn.Wait())

	final := replies[len(replies)-1]
	assert.Equal(t, model.SessionCompleted, final.Status)
	assert.Equal(t, 100, final.CompletionRate)
}

func TestCancelKeepsPartialContent(t *testing.T) {
	provider := newBlockingProvider()
	f := newFixture(t, provider, leadSchema())
	ctx := context.Background()

	turn, err := f.orch.Respond(ctx, "s1", "hello")
	require.NoError(t, err)

	first := <-turn.Replies()
	assert.Equal(t, "Hello there ", first.ContentSoFar)
	<-provider.started

	turn.Cancel()

	var after []model.PartialReply
	for r := range turn.Replies() {
		after = append(after, r)
	}
	assert.Empty(t, after)
	assert.ErrorIs(t, turn.Wait(), context.Canceled)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello there ", msgs[1].Content)
	assert.True(t, msgs[1].Partial)

	session, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status)
	assert.Equal(t, []model.EventType{model.EventTypeCancel}, f.publisher.types())

	// the slot is free once the cancelled turn is torn down
	assert.False(t, f.orch.InFlight("s1"))
	f.orch.provider = llm.NewTemplateClient()
	next, err := f.orch.Respond(ctx, "s1", "sam@x.com")
	require.NoError(t, err)
	require.NoError(t, next.Wait())
}

// gatedProvider streams one chunk, waits for the gate, then streams another
// without looking at ctx and reports success.
type gatedProvider struct {
	sent chan struct{}
	gate chan struct{}
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{sent: make(chan struct{}), gate: make(chan struct{})}
}

func (p *gatedProvider) Name() string     { return "gated" }
func (p *gatedProvider) Models() []string { return nil }

func (p *gatedProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *gatedProvider) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	if err := cb("first ", 0); err != nil {
		return nil, err
	}
	close(p.sent)
	<-p.gate
	_ = cb("second", 1)
	return &llm.CompletionResponse{Content: "first second"}, nil
}

func TestNoRepliesAfterCancel(t *testing.T) {
	for i := 0; i < 100; i++ {
		provider := newGatedProvider()
		f := newFixture(t, provider, leadSchema())
		ctx := context.Background()

		turn, err := f.orch.Respond(ctx, "s1", "hello")
		require.NoError(t, err)

		first := <-turn.Replies()
		require.Equal(t, "first ", first.ContentSoFar)
		<-provider.sent

		turn.Cancel()
		close(provider.gate)

		after := collect(t, turn)
		require.Empty(t, after, "iteration %d", i)
		require.ErrorIs(t, turn.Wait(), context.Canceled)

		msgs, err := f.store.ListMessages(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "first ", msgs[1].Content)
		assert.True(t, msgs[1].Partial)
	}
}

func TestCancelStillAppliesCompletion(t *testing.T) {
	provider := newBlockingProvider()
	f := newFixture(t, provider, leadSchema())
	ctx := context.Background()

	turn, err := f.orch.Respond(ctx, "s1", "I'm Sam, sam@x.com")
	require.NoError(t, err)
	<-provider.started

	turn.Cancel()
	assert.ErrorIs(t, turn.Wait(), context.Canceled)

	session, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, session.Status)
	assert.Equal(t, 100, session.CompletionRate)
	assert.Equal(t, []model.EventType{model.EventTypeCancel, model.EventTypeCompleted}, f.publisher.types())
}

func TestContextCancelIsCancellation(t *testing.T) {
	provider := newBlockingProvider()
	f := newFixture(t, provider, leadSchema())

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := f.orch.Respond(ctx, "s1", "hello")
	require.NoError(t, err)
	<-provider.started
	cancel()

	assert.ErrorIs(t, turn.Wait(), context.Canceled)

	session, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status)
}

func TestProviderFailureMarksSessionError(t *testing.T) {
	f := newFixture(t, failingProvider{}, leadSchema())
	ctx := context.Background()

	turn, err := f.orch.Respond(ctx, "s1", "hello")
	require.NoError(t, err)

	err = turn.Wait()
	assert.ErrorIs(t, err, model.ErrProvider)

	session, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionError, session.Status)
	assert.Contains(t, session.ErrorReason, "upstream unavailable")

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Sorry, ", msgs[1].Content)
	assert.True(t, msgs[1].Partial)

	assert.Equal(t, []model.EventType{model.EventTypeError}, f.publisher.types())

	_, err = f.orch.Respond(ctx, "s1", "hello again")
	assert.ErrorIs(t, err, model.ErrSessionClosed)
}

func TestDeadlineIsProviderFault(t *testing.T) {
	f := newFixture(t, newBlockingProvider(), leadSchema())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	turn, err := f.orch.Respond(ctx, "s1", "hello")
	require.NoError(t, err)
	assert.ErrorIs(t, turn.Wait(), model.ErrProvider)

	session, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionError, session.Status)
}

func TestNewTurnPreemptsInFlight(t *testing.T) {
	provider := newBlockingProvider()
	f := newFixture(t, provider, leadSchema())
	ctx := context.Background()

	first, err := f.orch.Respond(ctx, "s1", "hello")
	require.NoError(t, err)
	<-provider.started

	f.orch.provider = llm.NewTemplateClient()
	second, err := f.orch.Respond(ctx, "s1", "sam@x.com")
	require.NoError(t, err)

	assert.ErrorIs(t, first.Wait(), context.Canceled)
	require.NoError(t, second.Wait())

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.True(t, msgs[1].Partial)
	assert.Equal(t, "sam@x.com", msgs[2].Content)
	assert.False(t, msgs[3].Partial)
}

func TestWaitingTurnHonoursContext(t *testing.T) {
	provider := newBlockingProvider()
	f := newFixture(t, provider, leadSchema())
	f.orch.opts.PreemptInFlight = false

	first, err := f.orch.Respond(context.Background(), "s1", "hello")
	require.NoError(t, err)
	<-provider.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.orch.Respond(ctx, "s1", "again")
	assert.ErrorIs(t, err, model.ErrTurnInProgress)

	first.Cancel()
	assert.ErrorIs(t, first.Wait(), context.Canceled)
}

func TestSessionsRunInParallel(t *testing.T) {
	f := newFixture(t, llm.NewTemplateClient(), leadSchema())
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.store.CreateSession(ctx, &model.Session{
		ID: "s2", SchemaID: "lead", Status: model.SessionActive, CreatedAt: now, UpdatedAt: now,
	}))

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := f.orch.Respond(ctx, id, "Sam here, sam@x.com")
			if assert.NoError(t, err) {
				assert.NoError(t, turn.Wait())
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"s1", "s2"} {
		session, err := f.store.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.SessionCompleted, session.Status)
	}
}

func TestMergeKeepsNewerEntries(t *testing.T) {
	schema := leadSchema()
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	session := &model.Session{Extracted: map[string]model.ExtractedField{
		"email": {FieldID: "email", Value: "manual@x.com", Manual: true, Validated: true, ExtractedAt: late},
	}}

	collected, state := Merge(session, schema, map[string]model.ExtractedField{
		"email": {FieldID: "email", Value: "old@x.com", SourceMessageID: "m1", ExtractedAt: early},
		"name":  {FieldID: "name", Value: "Sam Smith", SourceMessageID: "m2", ExtractedAt: late},
	}, "m2")

	assert.Equal(t, "manual@x.com", session.Extracted["email"].Value)
	assert.Equal(t, "Sam Smith", session.Extracted["name"].Value)
	assert.True(t, session.Extracted["name"].Validated)
	assert.Equal(t, []string{"Name"}, collected)
	assert.Equal(t, model.ValidationValid, state)
}

func TestMergeFlagsInvalidValues(t *testing.T) {
	schema := &model.Schema{ID: "age", Fields: []model.FieldDefinition{
		{ID: "age", Label: "Age", Type: model.FieldTypeNumber, Required: true, Validation: model.Validation{Min: floatPtr(18)}},
	}}
	session := &model.Session{}

	_, state := Merge(session, schema, map[string]model.ExtractedField{
		"age": {FieldID: "age", Value: "12", SourceMessageID: "m1", ExtractedAt: time.Now()},
	}, "m1")

	assert.Equal(t, model.ValidationInvalid, state)
	assert.False(t, session.Extracted["age"].Validated)
}

func floatPtr(v float64) *float64 { return &v }
