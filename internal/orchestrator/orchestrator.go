// Package orchestrator drives one bounded agent run end to end: it assembles
// the context window, invokes the model through the circuit-breaker registry,
// executes requested tool calls over the caller's authenticated session,
// persists the conversation, and records the outcome exactly once.
//
// The caller's identity token is an explicit parameter on every entry point
// and is threaded through the whole call chain; it is never stashed in a
// context value or a package global.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskrunner/deskrunner/internal/breaker"
	"github.com/deskrunner/deskrunner/internal/identity"
	"github.com/deskrunner/deskrunner/internal/observability"
	"github.com/deskrunner/deskrunner/internal/provider"
	"github.com/deskrunner/deskrunner/internal/recorder"
	"github.com/deskrunner/deskrunner/internal/store"
	"github.com/deskrunner/deskrunner/internal/toolclient"
	"github.com/deskrunner/deskrunner/internal/window"
	"github.com/deskrunner/deskrunner/pkg/models"
)

// titlePrompt is the fixed instruction appended to the recent history on a
// title run. It rides in the working set only and is never persisted.
const titlePrompt = "Suggest a short title for this conversation. Reply with the title only, without quotes or trailing punctuation."

// Options configures an Orchestrator. Store, Providers, and Breakers are
// required; everything else has a default.
type Options struct {
	Store     store.Store
	Providers *provider.Registry
	Breakers  *breaker.Registry

	// Sessions dials and caches tool sessions. An agent whose config
	// grants tools fails its turns when this is nil.
	Sessions *toolclient.Cache

	// Recorder receives one usage record per terminal run.
	// Default: log-only recorder.
	Recorder recorder.Recorder

	// Assembler selects the history that fits the agent's token budget.
	// Default: estimate-based assembler.
	Assembler *window.Assembler

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger

	// HistoryLimit bounds how many stored messages one turn loads.
	// Zero uses the store default.
	HistoryLimit int

	// MaxTokens caps each completion response. Zero leaves the cap to the
	// provider.
	MaxTokens int

	// Temperature is forwarded on completion requests.
	Temperature float64
}

// Orchestrator runs agent turns. It is safe for concurrent use; runs on the
// same thread are serialized by the per-thread lock manager.
type Orchestrator struct {
	store     store.Store
	providers *provider.Registry
	breakers  *breaker.Registry
	sessions  *toolclient.Cache
	recorder  recorder.Recorder
	assembler *window.Assembler
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
	locks     *LockManager

	historyLimit int
	maxTokens    int
	temperature  float64
}

// New builds an Orchestrator from options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("orchestrator: provider registry is required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("orchestrator: breaker registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")

	rec := opts.Recorder
	if rec == nil {
		rec = recorder.NewLogRecorder(logger)
	}
	asm := opts.Assembler
	if asm == nil {
		asm = window.NewAssembler(nil, logger)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	return &Orchestrator{
		store:        opts.Store,
		providers:    opts.Providers,
		breakers:     opts.Breakers,
		sessions:     opts.Sessions,
		recorder:     rec,
		assembler:    asm,
		metrics:      opts.Metrics,
		tracer:       tracer,
		logger:       logger,
		locks:        NewLockManager(),
		historyLimit: opts.HistoryLimit,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// GenerateReply runs one full turn on the thread: the user message is
// persisted, the model is invoked with the assembled history, requested tools
// are executed under the caller's identity, and the final assistant message
// is persisted. The caller receives either a Reply or a *TurnError.
func (o *Orchestrator) GenerateReply(ctx context.Context, threadID string, token identity.Token, userMessage string) (*models.Reply, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, &TurnError{State: StateIdle, Kind: models.ErrorKindInternal, Err: errors.New("user message is empty")}
	}
	return o.run(ctx, threadID, token, models.ActionGenerateReply, userMessage)
}

// GetTitleSuggestion runs the same pipeline in summarize-only mode: it reads
// the most recent messages, offers no tools, allows no tool rounds, and
// persists nothing. The thread's stored title is left untouched.
func (o *Orchestrator) GetTitleSuggestion(ctx context.Context, threadID string, token identity.Token) (*models.TitleSuggestion, error) {
	reply, err := o.run(ctx, threadID, token, models.ActionTitleSuggestion, "")
	if err != nil {
		return nil, err
	}
	return &models.TitleSuggestion{Title: reply.Content, Confidence: reply.Confidence}, nil
}

// run is the shared turn driver behind both entry points.
func (o *Orchestrator) run(ctx context.Context, threadID string, token identity.Token, action models.ActionType, userMessage string) (*models.Reply, error) {
	start := time.Now()
	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)

	// Setup rejections are not runs: nothing has been dialed or invoked
	// yet, so they return typed errors without a usage record.
	thread, err := o.store.LoadThread(ctx, threadID)
	if err != nil {
		return nil, &TurnError{State: StateIdle, Kind: models.ErrorKindInternal, Err: fmt.Errorf("load thread %s: %w", threadID, err)}
	}
	cfg, err := o.store.LoadAgentConfig(ctx, thread.AgentID)
	if err != nil {
		return nil, &TurnError{State: StateIdle, Kind: models.ErrorKindInternal, Err: fmt.Errorf("load agent config %s: %w", thread.AgentID, err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &TurnError{State: StateIdle, Kind: models.ErrorKindInternal, Err: err}
	}

	logger := o.logger.With(
		"run_id", runID,
		"thread_id", threadID,
		"agent_id", cfg.AgentID,
		"action", string(action))

	turnCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	spanCtx, span := o.tracer.TraceRun(turnCtx, string(action), cfg.AgentID, threadID)
	defer span.End()

	t := &turn{
		o:         o,
		logger:    logger,
		cfg:       cfg,
		threadID:  threadID,
		token:     token,
		action:    action,
		state:     StateIdle,
		seenTools: make(map[string]bool),
	}
	reply, runErr := t.execute(spanCtx, userMessage)
	latency := time.Since(start)

	kind := t.failKind
	if runErr != nil {
		var te *TurnError
		if errors.As(runErr, &te) {
			kind = te.Kind
		} else {
			kind = classifyKind(runErr)
		}
	}
	success := runErr == nil && kind == ""

	status := "success"
	if !success {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordRun(string(action), status, latency.Seconds())
	}
	o.tracer.SetAttributes(span,
		"state", string(t.state),
		"rounds", t.rounds,
		"success", success)
	if runErr != nil {
		o.tracer.RecordError(span, runErr)
	}

	// The record must land even when the caller is gone, so it rides a
	// detached context that still carries the run ID.
	record := models.ActionRecord{
		AgentID:    cfg.AgentID,
		ThreadID:   threadID,
		ActionType: action,
		ToolsUsed:  t.toolsUsed,
		Success:    success,
		LatencyMS:  latency.Milliseconds(),
		ErrorKind:  kind,
	}
	if err := o.recorder.Record(context.WithoutCancel(turnCtx), record); err != nil {
		logger.Warn("action record not stored", "error", err)
	}

	if runErr != nil {
		logger.Warn("run failed",
			"state", string(t.state),
			"error_kind", string(kind),
			"rounds", t.rounds,
			"latency_ms", latency.Milliseconds(),
			"error", runErr)
		return nil, runErr
	}
	if !success {
		logger.Warn("run completed with partial result",
			"error_kind", string(kind),
			"rounds", t.rounds,
			"latency_ms", latency.Milliseconds())
	} else {
		logger.Info("run completed",
			"rounds", t.rounds,
			"tools_used", len(t.toolsUsed),
			"escalated", reply.RequiresEscalation,
			"latency_ms", latency.Milliseconds())
	}
	return reply, nil
}

// turn is the mutable state of one run.
type turn struct {
	o        *Orchestrator
	logger   *slog.Logger
	cfg      *models.AgentConfig
	threadID string
	token    identity.Token
	action   models.ActionType

	state        TurnState
	rounds       int
	failedRounds int
	truncated    bool
	failKind     models.ErrorKind
	session      *toolclient.Session
	toolsUsed    []string
	seenTools    map[string]bool
}

func (t *turn) execute(ctx context.Context, userMessage string) (*models.Reply, error) {
	release, err := t.o.locks.Acquire(ctx, t.threadID)
	if err != nil {
		return nil, t.failAt(StateIdle, fmt.Errorf("acquire thread lock: %w", err))
	}
	defer release()

	working, err := t.buildWorkingSet(ctx, userMessage)
	if err != nil {
		return nil, err
	}

	prov, err := t.o.providers.Resolve(t.cfg.ModelPreference)
	if err != nil {
		return nil, t.failAt(StateIdle, fmt.Errorf("resolve provider: %w", err))
	}

	var tools []models.ToolDescriptor
	if t.action == models.ActionGenerateReply && t.cfg.ToolsEnabled() {
		if err := t.dialSession(ctx); err != nil {
			return nil, err
		}
		tools = t.grantedTools()
		if len(tools) == 0 {
			t.logger.Warn("tool server advertises none of the agent's granted tools",
				"granted", t.cfg.ToolNames)
		}
	}

	if t.action == models.ActionGenerateReply {
		userMsg := models.Message{ThreadID: t.threadID, Role: models.RoleUser, Content: userMessage}
		if err := t.o.store.AppendMessage(ctx, &userMsg); err != nil {
			return nil, t.failAt(StateIdle, fmt.Errorf("append user message: %w", err))
		}
	}

	return t.loop(ctx, prov, working, tools)
}

// buildWorkingSet loads history and shapes the initial model input. Reply
// runs assemble against the agent's token budget; title runs take the fixed
// recent window plus the summarize instruction.
func (t *turn) buildWorkingSet(ctx context.Context, userMessage string) ([]models.Message, error) {
	if t.action == models.ActionTitleSuggestion {
		recent, err := t.o.store.LoadMessages(ctx, t.threadID, window.TitleWindow)
		if err != nil {
			return nil, t.failAt(StateIdle, fmt.Errorf("load recent messages: %w", err))
		}
		if len(recent) == 0 {
			return nil, t.failAt(StateIdle, errors.New("thread has no messages to summarize"))
		}
		return append(recent, models.Message{Role: models.RoleUser, Content: titlePrompt}), nil
	}

	var history []models.Message
	if t.cfg.UseMemoryContext {
		var err error
		history, err = t.o.store.LoadMessages(ctx, t.threadID, t.o.historyLimit)
		if err != nil {
			return nil, t.failAt(StateIdle, fmt.Errorf("load history: %w", err))
		}
	}
	candidates := append(history, models.Message{ThreadID: t.threadID, Role: models.RoleUser, Content: userMessage})

	_, asmSpan := t.o.tracer.TraceAssembly(ctx, string(t.action))
	assembled, stats, err := t.o.assembler.Assemble(candidates, t.cfg.MaxContextTokens)
	if err != nil {
		t.o.tracer.RecordError(asmSpan, err)
		asmSpan.End()
		return nil, t.failAt(StateIdle, fmt.Errorf("assemble context: %w", err))
	}
	t.o.tracer.SetAttributes(asmSpan,
		"input_messages", stats.InputMessages,
		"kept", stats.Kept,
		"tokens", stats.Tokens,
		"truncated", stats.Truncated)
	asmSpan.End()

	t.truncated = stats.Truncated
	if t.o.metrics != nil {
		t.o.metrics.ObserveContextWindow(string(t.action), stats.Tokens, stats.Truncated)
	}
	return assembled, nil
}

// dialSession obtains the caller's cached session to the agent's tool
// server, dialing through the endpoint's circuit breaker when cold.
func (t *turn) dialSession(ctx context.Context) error {
	if t.o.sessions == nil {
		return t.failAt(StateIdle, fmt.Errorf("agent %s grants tools but no session cache is configured", t.cfg.AgentID))
	}
	endpoint := t.cfg.ToolServerEndpoint
	sess, err := breaker.DoWithResult(ctx, t.o.breakers, "tool:"+endpoint, toolclient.Retryable,
		func(ctx context.Context) (*toolclient.Session, error) {
			return t.o.sessions.GetOrDial(ctx, t.cfg.AgentID, endpoint, t.token)
		})
	if err != nil {
		return t.failAt(StateIdle, fmt.Errorf("tool session: %w", err))
	}
	t.session = sess
	return nil
}

// grantedTools intersects the server's catalog with the agent's grant; only
// that intersection is ever offered to the model.
func (t *turn) grantedTools() []models.ToolDescriptor {
	allowed := make(map[string]bool, len(t.cfg.ToolNames))
	for _, name := range t.cfg.ToolNames {
		allowed[name] = true
	}
	catalog := t.session.Tools()
	granted := make([]models.ToolDescriptor, 0, len(t.cfg.ToolNames))
	for _, td := range catalog {
		if allowed[td.Name] {
			granted = append(granted, td)
		}
	}
	return granted
}

// loop alternates model completions and tool rounds until the model stops
// requesting tools, the round limit forces completion, or the turn fails.
func (t *turn) loop(ctx context.Context, prov provider.Provider, working []models.Message, tools []models.ToolDescriptor) (*models.Reply, error) {
	var lastContent string

	for {
		t.state = StateInvoking
		resp, err := t.complete(ctx, prov, working, tools)
		if err != nil {
			kind := classifyKind(err)
			if t.action == models.ActionGenerateReply && lastContent != "" &&
				(kind == models.ErrorKindTimeout || kind == models.ErrorKindProvider) {
				t.failKind = kind
				t.logger.Warn("completing with partial content",
					"error_kind", string(kind),
					"rounds", t.rounds,
					"error", err)
				return t.completeTurn(ctx, lastContent, true, false)
			}
			return nil, t.failAt(StateInvoking, fmt.Errorf("model completion: %w", err))
		}
		if resp.Content != "" {
			lastContent = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			return t.completeTurn(ctx, resp.Content, false, true)
		}

		t.state = StateToolRequested
		if t.session == nil || t.rounds >= t.cfg.MaxIterations {
			content := resp.Content
			if content == "" {
				content = lastContent
			}
			t.logger.Warn("refusing further tool rounds",
				"rounds", t.rounds,
				"requested", len(resp.ToolCalls))
			return t.completeTurn(ctx, content, true, true)
		}

		assistantMsg := models.Message{
			ThreadID:  t.threadID,
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		if err := t.o.store.AppendMessage(ctx, &assistantMsg); err != nil {
			return nil, t.failAt(StateToolRequested, fmt.Errorf("append assistant message: %w", err))
		}

		t.state = StateToolExecuting
		results, dispatchErr := t.dispatch(ctx, resp.ToolCalls)
		if dispatchErr != nil {
			// Calls that were dispatched and answered are not rolled
			// back; their results land even though the turn is failing.
			if len(results) > 0 {
				partial := models.Message{ThreadID: t.threadID, Role: models.RoleTool, ToolResults: results}
				if perr := t.o.store.AppendMessage(context.WithoutCancel(ctx), &partial); perr != nil {
					t.logger.Warn("partial tool results not persisted", "error", perr)
				}
			}
			kind := classifyKind(dispatchErr)
			if t.action == models.ActionGenerateReply && lastContent != "" && kind == models.ErrorKindTimeout {
				t.failKind = kind
				t.logger.Warn("completing with partial content",
					"error_kind", string(kind),
					"rounds", t.rounds,
					"error", dispatchErr)
				return t.completeTurn(ctx, lastContent, true, false)
			}
			return nil, t.failAt(StateToolExecuting, dispatchErr)
		}

		t.state = StateToolResultReceived
		toolMsg := models.Message{ThreadID: t.threadID, Role: models.RoleTool, ToolResults: results}
		if err := t.o.store.AppendMessage(context.WithoutCancel(ctx), &toolMsg); err != nil {
			return nil, t.failAt(StateToolResultReceived, fmt.Errorf("append tool results: %w", err))
		}

		for _, res := range results {
			if res.IsError {
				t.failedRounds++
				break
			}
		}

		working = append(working, assistantMsg, toolMsg)
		t.rounds++
	}
}

// complete issues one model completion through the provider's breaker.
func (t *turn) complete(ctx context.Context, prov provider.Provider, working []models.Message, tools []models.ToolDescriptor) (*provider.Response, error) {
	req := &provider.Request{
		Model:        t.cfg.ModelPreference,
		SystemPrompt: t.cfg.SystemPrompt,
		Messages:     working,
		Tools:        tools,
		MaxTokens:    t.o.maxTokens,
		Temperature:  t.o.temperature,
	}

	spanCtx, span := t.o.tracer.TraceProviderRequest(ctx, prov.Name(), t.cfg.ModelPreference)
	defer span.End()

	start := time.Now()
	resp, err := breaker.DoWithResult(spanCtx, t.o.breakers, "provider:"+prov.Name(), provider.IsRetryable,
		func(ctx context.Context) (*provider.Response, error) {
			return prov.Complete(ctx, req)
		})
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		t.o.tracer.RecordError(span, err)
	}
	if t.o.metrics != nil {
		var in, out int
		if resp != nil {
			in, out = resp.InputTokens, resp.OutputTokens
		}
		t.o.metrics.RecordProviderRequest(prov.Name(), t.cfg.ModelPreference, status, elapsed.Seconds(), in, out)
	}
	if err != nil {
		return nil, err
	}
	t.o.tracer.SetAttributes(span,
		"stop_reason", string(resp.StopReason),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens)
	return resp, nil
}

// toolOutcome is the disposition of one dispatched call. err is set only for
// failures that end the whole turn; everything else folds into result and is
// fed back to the model.
type toolOutcome struct {
	result  models.ToolResult
	invoked bool
	failed  bool
	err     error
}

// dispatch runs one round of tool calls in parallel and collects results in
// call order. The returned error, if any, ends the turn; results gathered
// before it are still returned for persistence.
func (t *turn) dispatch(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, error) {
	outcomes := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			outcomes[i] = t.invokeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()

	// Credential rejections outrank everything else in the round.
	var terminal error
	for _, oc := range outcomes {
		if oc.err != nil && toolclient.IsAuthError(oc.err) {
			terminal = oc.err
			break
		}
	}
	if terminal == nil {
		for _, oc := range outcomes {
			if oc.err != nil {
				terminal = oc.err
				break
			}
		}
	}

	results := make([]models.ToolResult, 0, len(calls))
	for i, oc := range outcomes {
		if oc.invoked {
			t.noteTool(calls[i].Name)
		}
		if oc.err == nil {
			results = append(results, oc.result)
		}
	}
	return results, terminal
}

// invokeOne executes a single tool call under the per-call budget. Failures
// that only concern this call become error results the model can react to;
// credential rejections, open circuits, and a dead turn context bubble up.
func (t *turn) invokeOne(ctx context.Context, call models.ToolCall) toolOutcome {
	if !slices.Contains(t.cfg.ToolNames, call.Name) {
		return toolOutcome{
			failed: true,
			result: models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool %q is not available to this agent", call.Name),
				IsError:    true,
			},
		}
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return toolOutcome{
				failed: true,
				result: models.ToolResult{
					ToolCallID: call.ID,
					Content:    "invalid tool arguments: " + err.Error(),
					IsError:    true,
				},
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.ToolCallTimeout())
	defer cancel()
	spanCtx, span := t.o.tracer.TraceToolInvocation(callCtx, call.Name)
	defer span.End()

	t.logger.Debug("invoking tool", "tool", call.Name)
	start := time.Now()
	res, err := breaker.DoWithResult(spanCtx, t.o.breakers, "tool:"+t.cfg.ToolServerEndpoint, toolclient.Retryable,
		func(ctx context.Context) (*toolclient.InvokeResult, error) {
			return t.session.InvokeTool(ctx, call.Name, args)
		})
	elapsed := time.Since(start)

	status := "success"
	if err != nil || (res != nil && res.IsError) {
		status = "error"
	}
	if t.o.metrics != nil {
		t.o.metrics.RecordToolInvocation(call.Name, status, elapsed.Seconds())
	}
	if err != nil {
		t.o.tracer.RecordError(span, err)
	}

	switch {
	case err == nil:
		return toolOutcome{
			invoked: true,
			failed:  res.IsError,
			result: models.ToolResult{
				ToolCallID: call.ID,
				Content:    res.Content,
				IsError:    res.IsError,
			},
		}
	case toolclient.IsAuthError(err):
		return toolOutcome{invoked: true, err: err}
	case errors.Is(err, breaker.ErrOpen):
		return toolOutcome{err: err}
	case ctx.Err() != nil:
		return toolOutcome{invoked: true, err: ctx.Err()}
	case errors.Is(err, context.DeadlineExceeded):
		return toolOutcome{
			invoked: true,
			failed:  true,
			result: models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool %s timed out after %s", call.Name, t.cfg.ToolCallTimeout()),
				IsError:    true,
			},
		}
	default:
		return toolOutcome{
			invoked: true,
			failed:  true,
			result: models.ToolResult{
				ToolCallID: call.ID,
				Content:    "tool invocation failed: " + err.Error(),
				IsError:    true,
			},
		}
	}
}

// completeTurn finishes the run: title runs distill their content into a
// title, reply runs persist the closing assistant message when it carries
// content and persistFinal is set.
func (t *turn) completeTurn(ctx context.Context, content string, escalated, persistFinal bool) (*models.Reply, error) {
	if t.action == models.ActionTitleSuggestion {
		content = titleFromContent(content)
		if content == "" {
			t.state = StateFailed
			return nil, &TurnError{
				State:     StateInvoking,
				Iteration: t.rounds,
				Kind:      models.ErrorKindProvider,
				Err:       errors.New("model produced no usable title"),
			}
		}
	} else if persistFinal && content != "" {
		msg := models.Message{ThreadID: t.threadID, Role: models.RoleAssistant, Content: content}
		if err := t.o.store.AppendMessage(ctx, &msg); err != nil {
			return nil, t.failAt(t.state, fmt.Errorf("append assistant message: %w", err))
		}
	}

	t.state = StateCompleted
	return &models.Reply{
		Content:            content,
		ToolsUsed:          t.toolsUsed,
		Confidence:         t.confidence(escalated),
		RequiresEscalation: escalated,
	}, nil
}

// confidence starts at 1.0 and drops for each degradation the turn absorbed:
// 0.25 for a forced or partial completion, 0.1 for a truncated window, 0.05
// per round that produced an error result, floored at 0.1.
func (t *turn) confidence(escalated bool) float64 {
	c := 1.0
	if escalated {
		c -= 0.25
	}
	if t.truncated {
		c -= 0.1
	}
	c -= 0.05 * float64(t.failedRounds)
	if c < 0.1 {
		c = 0.1
	}
	return c
}

func (t *turn) noteTool(name string) {
	if t.seenTools[name] {
		return
	}
	t.seenTools[name] = true
	t.toolsUsed = append(t.toolsUsed, name)
}

// failAt wraps err as the turn's terminal failure from the given state.
func (t *turn) failAt(state TurnState, err error) error {
	kind := classifyKind(err)
	if kind == models.ErrorKindTimeout {
		t.state = StateTimedOut
	} else {
		t.state = StateFailed
	}
	return &TurnError{State: state, Iteration: t.rounds, Kind: kind, Err: err}
}

// classifyKind maps an error to its recorded kind. Order matters: credential
// and circuit refusals are more specific than the context errors they may
// arrive with.
func classifyKind(err error) models.ErrorKind {
	switch {
	case toolclient.IsAuthError(err):
		return models.ErrorKindAuth
	case errors.Is(err, breaker.ErrOpen):
		return models.ErrorKindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return models.ErrorKindContext
	}
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return models.ErrorKindProvider
	}
	var invErr *toolclient.InvocationError
	if errors.As(err, &invErr) {
		return models.ErrorKindTool
	}
	if errors.Is(err, toolclient.ErrClosed) || errors.Is(err, toolclient.ErrNotConnected) {
		return models.ErrorKindTool
	}
	return models.ErrorKindInternal
}

// titleFromContent reduces a model response to a single-line title.
func titleFromContent(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	return strings.TrimSpace(title)
}
