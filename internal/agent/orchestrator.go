package agent

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/llm"
	"github.com/ashureev/quantchat/internal/observability"
	"github.com/ashureev/quantchat/internal/sandbox"
	"github.com/ashureev/quantchat/internal/session"
	"github.com/ashureev/quantchat/internal/tools"
	"github.com/ashureev/quantchat/internal/uistream"
)

// DefaultMaxSteps bounds the model/tool loop of one request.
const DefaultMaxSteps = 42

const pauseTimeout = 30 * time.Second

// Config wires the orchestrator.
type Config struct {
	// Models maps each persona to a provider model id. DefaultModel is used
	// for personas without an entry.
	Models       map[domain.Persona]string
	DefaultModel string
	MaxSteps     int
	MaxTokens    int
	Session      session.Options
	Exec         tools.ExecuteCodeConfig
	Logger       *slog.Logger
}

// Orchestrator runs one chat turn per request. It holds no per-request
// state and is safe for concurrent use.
type Orchestrator struct {
	model    llm.Model
	provider sandbox.Provider
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(model llm.Model, provider sandbox.Provider, cfg Config) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	if cfg.Exec.Logger == nil {
		cfg.Exec.Logger = logger
	}
	return &Orchestrator{
		model:    model,
		provider: provider,
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
	}
}

// ModelFor returns the model id used for persona.
func (o *Orchestrator) ModelFor(persona domain.Persona) string {
	if id, ok := o.cfg.Models[persona]; ok && id != "" {
		return id
	}
	return o.cfg.DefaultModel
}

// MaxSteps returns the step budget.
func (o *Orchestrator) MaxSteps() int { return o.cfg.MaxSteps }

// Run streams one chat turn to sink and returns the final state. The
// conversation's sandbox is paused before Run returns, even when ctx is
// canceled.
func (o *Orchestrator) Run(ctx context.Context, req ChatRequest, sink uistream.Sink) State {
	start := time.Now()
	persona := req.Persona()
	out := &trackingSink{sink: sink}

	observability.ActiveStreams.Inc()
	defer observability.ActiveStreams.Dec()

	sess := session.New(req.Messages, persona, o.provider, o.cfg.Session)
	sess.SetSink(out)
	defer func() {
		pauseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pauseTimeout)
		defer cancel()
		sess.PauseSandbox(pauseCtx)
	}()

	t := &turn{
		o:       o,
		sess:    sess,
		out:     out,
		model:   o.ModelFor(persona),
		tools:   tools.NewRegistry(tools.NewExecuteCode(sess, o.cfg.Exec)),
		history: ToModelMessages(req.Messages),
		log:     o.log.With("chat_id", req.ID, "persona", string(persona)),
	}

	t.log.Info("Chat turn started", "messages", len(req.Messages), "model", t.model, "sandbox_id", sess.SandboxID())
	state := t.run(ctx)

	observability.ChatRequestsTotal.WithLabelValues(string(persona), state.String()).Inc()
	observability.ChatDuration.WithLabelValues(string(persona)).Observe(time.Since(start).Seconds())
	t.log.Info("Chat turn finished",
		"state", state.String(),
		"steps", t.steps,
		"sandbox_id", sess.SandboxID(),
		"duration_ms", time.Since(start).Milliseconds())
	return state
}

// trackingSink remembers the first write failure, which means the client
// went away.
type trackingSink struct {
	sink uistream.Sink
	err  error
}

func (s *trackingSink) Write(c uistream.Chunk) error {
	if s.err != nil {
		return s.err
	}
	if err := s.sink.Write(c); err != nil {
		s.err = err
		return err
	}
	return nil
}

// turn is the state of one Run.
type turn struct {
	o       *Orchestrator
	sess    *session.Session
	out     *trackingSink
	model   string
	tools   *tools.Registry
	history []llm.Message
	log     *slog.Logger
	steps   int

	textID      string
	reasoningID string
}

func (t *turn) run(ctx context.Context) State {
	_ = t.out.Write(uistream.Start(uuid.NewString()))

	list := t.tools.List()
	definitions := make([]llm.ToolDefinition, 0, len(list))
	for _, tool := range list {
		definitions = append(definitions, llm.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}

	finished := false
	for !finished && t.steps < t.o.cfg.MaxSteps {
		t.steps++
		_ = t.out.Write(uistream.StartStep())

		calls, err := t.step(ctx, definitions)
		if err != nil {
			if ctx.Err() != nil || t.out.err != nil {
				return t.abort()
			}
			t.log.Error("Model step failed", "step", t.steps, "error", err)
			_ = t.out.Write(uistream.Error(err.Error()))
			return StateFailed
		}

		for _, call := range calls {
			t.execute(ctx, call)
		}
		_ = t.out.Write(uistream.FinishStep())

		if ctx.Err() != nil || t.out.err != nil {
			return t.abort()
		}
		finished = len(calls) == 0
	}

	if !finished {
		t.log.Warn("Step budget exhausted", "max_steps", t.o.cfg.MaxSteps)
	}
	if err := t.out.Write(uistream.Finish()); err != nil {
		return StateAborted
	}
	return StateDone
}

func (t *turn) abort() State {
	t.log.Info("Chat turn aborted", "step", t.steps)
	_ = t.out.Write(uistream.Abort())
	return StateAborted
}

// step streams one model call and appends the assistant message to history.
// It returns the tool calls the model made.
func (t *turn) step(ctx context.Context, definitions []llm.ToolDefinition) ([]llm.ToolCall, error) {
	req := &llm.Request{
		Model:     t.model,
		System:    t.sess.System(t.o.now()),
		Messages:  t.history,
		Tools:     definitions,
		MaxTokens: t.o.cfg.MaxTokens,
	}

	var text []byte
	var calls []llm.ToolCall
	var usage llm.Usage
	provider := t.o.model.Provider()

	for ev, err := range t.o.model.Stream(ctx, req) {
		if err != nil {
			t.closeBlocks()
			observability.ModelStepsTotal.WithLabelValues(provider, t.model, "error").Inc()
			return nil, err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			t.closeReasoning()
			if t.textID == "" {
				t.textID = uuid.NewString()
				_ = t.out.Write(uistream.TextStart(t.textID))
			}
			text = append(text, ev.Delta...)
			_ = t.out.Write(uistream.TextDelta(t.textID, ev.Delta))
		case llm.EventReasoningDelta:
			t.closeText()
			if t.reasoningID == "" {
				t.reasoningID = uuid.NewString()
				_ = t.out.Write(uistream.ReasoningStart(t.reasoningID))
			}
			_ = t.out.Write(uistream.ReasoningDelta(t.reasoningID, ev.Delta))
		case llm.EventToolCall:
			t.closeBlocks()
			calls = append(calls, ev.ToolCall)
			_ = t.out.Write(uistream.ToolInputAvailable(ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Input))
		case llm.EventFinish:
			usage = ev.Usage
			if ev.FinishReason == llm.FinishLength {
				t.log.Warn("Model output truncated", "step", t.steps)
			}
		}
	}
	t.closeBlocks()

	observability.ModelStepsTotal.WithLabelValues(provider, t.model, "ok").Inc()
	observability.ModelTokensTotal.WithLabelValues(provider, t.model, "input").Add(float64(usage.InputTokens))
	observability.ModelTokensTotal.WithLabelValues(provider, t.model, "output").Add(float64(usage.OutputTokens))

	if len(text) > 0 || len(calls) > 0 {
		t.history = append(t.history, llm.Message{Role: llm.RoleAssistant, Content: string(text), ToolCalls: calls})
	}
	return calls, nil
}

func (t *turn) closeText() {
	if t.textID != "" {
		_ = t.out.Write(uistream.TextEnd(t.textID))
		t.textID = ""
	}
}

func (t *turn) closeReasoning() {
	if t.reasoningID != "" {
		_ = t.out.Write(uistream.ReasoningEnd(t.reasoningID))
		t.reasoningID = ""
	}
}

func (t *turn) closeBlocks() {
	t.closeReasoning()
	t.closeText()
}

// execute runs one tool call, streaming its updates, and appends the result
// to history. Tool failures become error results the model can read.
func (t *turn) execute(ctx context.Context, call llm.ToolCall) {
	start := time.Now()
	logger := t.log.With("tool_call_id", call.ID, "tool_name", call.Name)

	fail := func(err error) {
		observability.ToolExecutionsTotal.WithLabelValues(call.Name, "error").Inc()
		logger.Warn("Tool call failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		if ctx.Err() == nil {
			_ = t.out.Write(uistream.ToolOutputError(call.ID, err.Error()))
		}
		t.history = append(t.history, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: err.Error(), IsError: true})
	}

	tool, ok := t.tools.Get(call.Name)
	if !ok {
		fail(errors.New("unknown tool: " + strconv.Quote(call.Name)))
		return
	}

	var final any
	updates := 0
	for upd, err := range tool.Execute(ctx, call.Input) {
		if err != nil {
			fail(err)
			return
		}
		updates++
		if ctx.Err() != nil {
			continue
		}
		_ = t.out.Write(uistream.ToolOutputAvailable(call.ID, upd.Output, upd.Preliminary))
		if !upd.Preliminary {
			final = upd.Output
		}
	}

	observability.ToolExecutionsTotal.WithLabelValues(call.Name, "ok").Inc()
	logger.Info("Tool call finished", "updates", updates, "duration_ms", time.Since(start).Milliseconds())
	t.history = append(t.history, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: toolContent(final)})
}
