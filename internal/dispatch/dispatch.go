// Package dispatch fans one prompt out to several providers and merges their streams.
//
// Each target runs in its own goroutine and only reports chunks over a shared channel.
// A single coordinator goroutine receives those reports in arrival order, applies them
// to the conversation ledger (allocating message ids and ordinals) and forwards the
// resulting events. A slow provider therefore never delays another provider's events,
// and the ledger has exactly one writer per dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"polychat/internal/conversation"
	"polychat/internal/eventbus"
	"polychat/internal/models"
	"polychat/internal/provider"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultHistoryLimit = 10
	eventBuffer         = 64
)

// CredentialResolver resolves the upstream credentials of a user for one vendor. An
// error is reported as a credentials failure on that provider only.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, vendor models.Vendor) (models.Credentials, error)
}

// CredentialResolverFunc adapts a function to CredentialResolver.
type CredentialResolverFunc func(ctx context.Context, userID string, vendor models.Vendor) (models.Credentials, error)

func (f CredentialResolverFunc) Resolve(ctx context.Context, userID string, vendor models.Vendor) (models.Credentials, error) {
	return f(ctx, userID, vendor)
}

// Options tune a Dispatcher. Zero values select defaults.
type Options struct {
	Timeout      time.Duration
	HistoryLimit int
	Logger       *slog.Logger
	NewID        func() string
	Bus          eventbus.EventBus
}

// Dispatcher runs fan-out dispatches.
type Dispatcher struct {
	registry *provider.Registry
	creds    CredentialResolver
	timeout  time.Duration
	history  int
	logger   *slog.Logger
	newID    func() string
	bus      eventbus.EventBus
}

// New constructs a dispatcher backed by the registry.
func New(registry *provider.Registry, creds CredentialResolver, opts Options) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		creds:    creds,
		timeout:  opts.Timeout,
		history:  opts.HistoryLimit,
		logger:   opts.Logger,
		newID:    opts.NewID,
		bus:      opts.Bus,
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.history == 0 {
		d.history = defaultHistoryLimit
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.newID == nil {
		d.newID = NewID
	}
	return d
}

// NewID returns a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Request is one dispatch: the canonical prompt, the caller and the providers the
// caller has paused.
type Request struct {
	models.CanonicalRequest
	UserID string
	Paused []string
}

// Notice is published on the event bus when a dispatch ends.
type Notice struct {
	ConversationID string
	DispatchID     string
	UserID         string
	Canceled       bool
	Record         conversation.Record
}

// Result summarises a finished dispatch.
type Result struct {
	Canceled  bool
	Completed []string
	Failed    []string
}

// Run is one in-flight dispatch.
type Run struct {
	ID             string
	ConversationID string
	PromptID       string
	PromptOrdinal  int
	Targets        []string

	events chan models.DeltaEvent
	done   chan struct{}
	cancel context.CancelFunc
	result Result
}

// Events returns the merged event stream. It is closed when the dispatch completes or
// is canceled.
func (r *Run) Events() <-chan models.DeltaEvent { return r.events }

// Done is closed once the dispatch has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel abandons every in-flight provider call.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the dispatch finishes and returns its summary.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

type report struct {
	provider string
	text     string
	final    bool
	err      *models.ProviderError
}

type call struct {
	model   models.Model
	adapter provider.Adapter
	request provider.Request
}

// Dispatch validates req, records the prompt on conv and starts one provider call per
// eligible target. Input errors are returned synchronously and leave conv unchanged.
// The dispatch stops when ctx is canceled or Cancel is called.
func (d *Dispatcher) Dispatch(ctx context.Context, conv *conversation.Conversation, req Request) (*Run, error) {
	if conv == nil {
		return nil, errors.New("conversation must not be nil")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, models.ErrEmptyMessage
	}

	targets, err := d.eligible(req.Targets, req.Paused)
	if err != nil {
		return nil, err
	}

	calls := make([]call, 0, len(targets))
	ids := make([]string, 0, len(targets))
	for _, model := range targets {
		_, adapter, err := d.registry.Lookup(model.ID)
		if err != nil {
			return nil, err
		}
		turns := conv.History(model.ID, d.history)
		turns = append(turns, models.Turn{Role: models.RoleUser, Content: req.AugmentedText(model.ID)})
		calls = append(calls, call{
			model:   model,
			adapter: adapter,
			request: provider.Request{Model: model.ID, Messages: turns},
		})
		ids = append(ids, model.ID)
	}

	dispatchID := d.newID()
	prompt, err := conv.BeginPrompt(conversation.Prompt{
		DispatchID: dispatchID,
		PromptID:   d.newID(),
		Text:       req.Text,
		Targets:    ids,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:             dispatchID,
		ConversationID: conv.ID(),
		PromptID:       prompt.ID,
		PromptOrdinal:  prompt.Ordinal,
		Targets:        ids,
		events:         make(chan models.DeltaEvent, eventBuffer),
		done:           make(chan struct{}),
		cancel:         cancel,
	}

	reports := make(chan report, len(calls))
	for _, c := range calls {
		go d.invoke(runCtx, c, req.UserID, reports)
	}
	go d.coordinate(runCtx, conv, run, req.UserID, reports)

	d.logger.Info("dispatch started",
		"conversation_id", conv.ID(),
		"dispatch_id", dispatchID,
		"targets", ids,
		"prompt_ordinal", prompt.Ordinal,
	)
	return run, nil
}

// eligible resolves the target list, removing paused providers. Unknown targets are
// rejected; unknown paused entries are ignored.
func (d *Dispatcher) eligible(targets, paused []string) ([]models.Model, error) {
	resolved, err := d.registry.Resolve(targets)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(paused))
	for _, id := range paused {
		if model, _, err := d.registry.Lookup(id); err == nil {
			skip[model.ID] = true
		}
	}

	out := resolved[:0]
	for _, model := range resolved {
		if !skip[model.ID] {
			out = append(out, model)
		}
	}
	if len(out) == 0 {
		return nil, models.ErrNoEligibleProviders
	}
	return out, nil
}

// invoke runs one provider call and reports its chunks. It always ends with exactly one
// final report unless the dispatch is canceled first.
func (d *Dispatcher) invoke(ctx context.Context, c call, userID string, reports chan<- report) {
	id := c.model.ID
	send := func(r report) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case reports <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err *models.ProviderError) {
		send(report{provider: id, final: true, err: err})
	}

	defer func() {
		if rec := recover(); rec != nil {
			fail(models.NewProviderError(models.ErrorKindUpstream, "adapter panic: %v", rec))
		}
	}()

	creds, err := d.creds.Resolve(ctx, userID, c.model.Vendor)
	if err != nil {
		fail(models.NewProviderError(models.ErrorKindCredentials, "%v", err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	for chunk := range c.adapter.Stream(callCtx, c.request, creds) {
		if chunk.Done {
			perr := chunk.Err
			if perr != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				perr = models.NewProviderError(models.ErrorKindTimeout, "no response within %s", d.timeout)
			}
			send(report{provider: id, final: true, err: perr})
			return
		}
		if chunk.Text == "" {
			continue
		}
		if !send(report{provider: id, text: chunk.Text}) {
			return
		}
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		fail(models.NewProviderError(models.ErrorKindTimeout, "no response within %s", d.timeout))
		return
	}
	fail(models.NewProviderError(models.ErrorKindMalformed, "stream ended without completion"))
}

// coordinate is the single writer of conv for this dispatch.
func (d *Dispatcher) coordinate(ctx context.Context, conv *conversation.Conversation, run *Run, userID string, reports <-chan report) {
	defer close(run.done)
	defer close(run.events)
	defer run.cancel()

	log := d.logger.With("conversation_id", run.ConversationID, "dispatch_id", run.ID)
	messageIDs := make(map[string]string, len(run.Targets))
	remaining := len(run.Targets)

	abort := func() {
		conv.Abort(run.ID)
		run.result.Canceled = true
		log.Info("dispatch canceled", "pending", remaining)
		d.publish(eventbus.TopicDispatchCanceled, conv, run, userID, true)
	}

	for remaining > 0 {
		var r report
		select {
		case <-ctx.Done():
			abort()
			return
		case r = <-reports:
		}
		if ctx.Err() != nil {
			abort()
			return
		}

		proposed, ok := messageIDs[r.provider]
		if !ok {
			proposed = d.newID()
		}
		ev, err := conv.Apply(run.ID, models.DeltaEvent{
			Provider:  r.provider,
			MessageID: proposed,
			Content:   r.text,
			Final:     r.final,
			Err:       r.err,
		})
		if err != nil {
			log.Warn("dropping provider event", "provider", r.provider, "error", err)
			continue
		}
		messageIDs[r.provider] = ev.MessageID

		if ev.Final {
			remaining--
			if ev.Err != nil {
				run.result.Failed = append(run.result.Failed, r.provider)
				log.Warn("provider failed", "provider", r.provider, "kind", ev.Err.Kind, "error", ev.Err.Message)
			} else {
				run.result.Completed = append(run.result.Completed, r.provider)
			}
		}

		select {
		case run.events <- ev:
		case <-ctx.Done():
			abort()
			return
		}
	}

	if err := conv.Commit(run.ID); err != nil {
		log.Error("commit dispatch", "error", err)
	}
	log.Info("dispatch completed", "completed", len(run.result.Completed), "failed", len(run.result.Failed))
	d.publish(eventbus.TopicDispatchCompleted, conv, run, userID, false)
}

func (d *Dispatcher) publish(topic string, conv *conversation.Conversation, run *Run, userID string, canceled bool) {
	if d.bus == nil {
		return
	}
	notice := Notice{
		ConversationID: run.ConversationID,
		DispatchID:     run.ID,
		UserID:         userID,
		Canceled:       canceled,
		Record:         conv.Record(),
	}
	if !d.bus.Publish(topic, notice) {
		d.logger.Warn("dispatch notice dropped", "topic", topic, "dispatch_id", run.ID)
	}
}

// String describes the result for logs and CLI summaries.
func (r Result) String() string {
	if r.Canceled {
		return "canceled"
	}
	return fmt.Sprintf("%d completed, %d failed", len(r.Completed), len(r.Failed))
}
