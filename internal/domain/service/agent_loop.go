package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cancel"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/checkpoint"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cost"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
)

// AgentLoopConfig holds configuration for the agent's execution loop
type AgentLoopConfig struct {
	DoomLoopThreshold int     // Deprecated: use LoopDetectThreshold for sliding window
	MaxOutputChars    int     // Maximum characters per tool output before truncation (default: 32000)
	Temperature       float64 // LLM temperature
	Model             string  // LLM model identifier (e.g. "bailian/qwen3-coder-plus")

	// Per-model policy overrides from config.yaml.
	// Keys are matched by substring against model ID (e.g. "qwen3", "minimax").
	ModelPolicies map[string]*ModelPolicyOverride

	// Auto-retry configuration
	MaxRetries    int           // Max retries per LLM call (default: 3)
	RetryBaseWait time.Duration // Base wait between retries (default: 2s, exponential: 2s, 4s, 8s)

	// Context compaction
	CompactThreshold int // Deprecated: use ContextGuard for token-based compaction
	CompactKeepLast  int // Number of recent messages to preserve during compaction (default: 10)

	// Parallel tool execution (used only when no ToolOrchestrator is wired)
	MaxParallelTools int // Max concurrent tool executions (default: 4, 1 = sequential)

	// MaxSteps bounds the number of completed steps before the run ends with
	// MaxStepsReached (0 = unlimited, bounded only by the token budget).
	MaxSteps int

	// Guardrails.
	MaxTokenBudget      int64         // Token budget limit (0 = disabled)
	ToolTimeout         time.Duration // Per-tool execution timeout, used as the orchestrator's configured ceiling (default 30s)
	ContextMaxTokens    int           // Context window token limit (default 128000)
	ContextWarnRatio    float64       // Warn when context > this ratio (default 0.7)
	ContextHardRatio    float64       // Force compact when > this ratio (default 0.85)
	LoopWindowSize      int           // Sliding window size for exact-match loop detection (default 10)
	LoopDetectThreshold int           // Identical calls in window to trigger reflection (default 5)
	LoopNameThreshold   int           // Same tool name consecutive calls to trigger reflection (default 8)
}

// DefaultAgentLoopConfig returns production-ready defaults.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		DoomLoopThreshold:   3,
		MaxOutputChars:      32000,
		Temperature:         0.7,
		MaxRetries:          3,
		RetryBaseWait:       2 * time.Second,
		CompactThreshold:    40,
		CompactKeepLast:     10,
		MaxParallelTools:    4,
		MaxSteps:            100,
		ToolTimeout:         30 * time.Second,
		ContextMaxTokens:    128000,
		ContextWarnRatio:    0.7,
		ContextHardRatio:    0.85,
		LoopWindowSize:      10,
		LoopDetectThreshold: 5,
		LoopNameThreshold:   8,
	}
}

// LLMClient is the interface the agent loop uses to communicate with language models.
// It decouples the loop from specific LLM provider implementations.
type LLMClient interface {
	// Generate sends a prompt with tool definitions and history, returning a full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a prompt and streams back partial responses.
	// The channel is closed when the stream ends. The caller must drain it.
	// Returns the final accumulated LLMResponse after the channel is closed.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk represents a single delta from a streaming LLM response.
type StreamChunk struct {
	DeltaText     string              // Incremental text content
	DeltaToolCall *entity.ToolCallInfo // Incremental tool call (may arrive in fragments)
	FinishReason  string              // "stop", "tool_calls", "" (not yet finished)
}

// LLMRequest is the request sent to the language model
type LLMRequest struct {
	Messages    []LLMMessage            `json:"messages"`
	Tools       []domaintool.Definition `json:"tools,omitempty"`
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
}

// LLMMessage represents a single message in the conversation
type LLMMessage struct {
	Role       string                `json:"role"` // "system", "user", "assistant", "tool"
	Content    string                `json:"content"`
	Parts      []ContentPart         `json:"parts,omitempty"` // Multimodal content (takes precedence over Content)
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
	Name       string                `json:"name,omitempty"`
}

// ContentPart represents a multimodal content fragment.
type ContentPart struct {
	Type     string `json:"type"`               // "text", "image", "audio", "file"
	Text     string `json:"text,omitempty"`      // Content when Type="text"
	MediaURL string `json:"media_url,omitempty"` // URL when Type="image"/"audio"/"file"
	MimeType string `json:"mime_type,omitempty"` // e.g. "image/png"
	Data     []byte `json:"data,omitempty"`      // Inline binary data (optional)
}

// TextContent returns all text content, joining text parts or falling back to Content.
func (m *LLMMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// HasMedia returns true if the message contains non-text content.
func (m *LLMMessage) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// LLMResponse is the response from the language model
type LLMResponse struct {
	Content    string                `json:"content"`
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ModelUsed  string                `json:"model_used"`
	TokensUsed int                   `json:"tokens_used"`
}

// ToolExecutor is the interface for executing tools within the agent loop.
// Used as a fallback dispatch path when no ToolOrchestrator is wired.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error)
	GetDefinitions() []domaintool.Definition
	// GetToolKind returns the Kind of a registered tool (defaults to "execute" if unknown)
	GetToolKind(name string) domaintool.Kind
}

// AgentLoop implements the execution loop described by the documented state
// machine (Idle -> Preparing -> AwaitingModel -> ProcessingToolCalls ->
// AwaitingUserInput -> Stepping -> Terminal), with:
//   - Auto-retry with exponential backoff
//   - Context compaction for long conversations
//   - Hierarchical cancellation via cancel.Scope
//   - Three-phase tool orchestration (when a ToolOrchestrator is wired)
//   - Durable session logging, cost tracking and on-demand checkpoints
type AgentLoop struct {
	llm          LLMClient
	tools        ToolExecutor
	orchestrator ToolOrchestrator
	config       AgentLoopConfig
	hooks        AgentHook
	middleware   *MiddlewarePipeline
	toolCache    *ToolResultCache
	sessionStore session.Store
	costTracker  *cost.Tracker
	checkpoints  *checkpoint.Manager
	logger       *zap.Logger
}

// NewAgentLoop creates a new execution loop.
func NewAgentLoop(llm LLMClient, tools ToolExecutor, config AgentLoopConfig, logger *zap.Logger) *AgentLoop {
	if config.DoomLoopThreshold <= 0 {
		config.DoomLoopThreshold = 3
	}
	if config.MaxOutputChars <= 0 {
		config.MaxOutputChars = 32000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.CompactThreshold <= 0 {
		config.CompactThreshold = 40
	}
	if config.CompactKeepLast <= 0 {
		config.CompactKeepLast = 10
	}
	if config.MaxParallelTools <= 0 {
		config.MaxParallelTools = 4
	}
	// Guardrail defaults
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if config.ContextMaxTokens <= 0 {
		config.ContextMaxTokens = 128000
	}
	if config.ContextWarnRatio <= 0 {
		config.ContextWarnRatio = 0.7
	}
	if config.ContextHardRatio <= 0 {
		config.ContextHardRatio = 0.85
	}
	if config.LoopWindowSize <= 0 {
		config.LoopWindowSize = 10
	}
	if config.LoopDetectThreshold <= 0 {
		config.LoopDetectThreshold = 5
	}

	return &AgentLoop{
		llm:        llm,
		tools:      tools,
		config:     config,
		hooks:      &NoOpHook{},
		middleware: NewMiddlewarePipeline(logger),
		toolCache:  NewToolResultCache(30*time.Second, 100),
		logger:     logger,
	}
}

// SetHooks replaces the hook chain for this agent loop.
func (a *AgentLoop) SetHooks(hooks AgentHook) {
	if hooks != nil {
		a.hooks = hooks
	}
}

// SetMiddleware replaces the middleware pipeline for this agent loop.
func (a *AgentLoop) SetMiddleware(mw *MiddlewarePipeline) {
	if mw != nil {
		a.middleware = mw
	}
}

// SetOrchestrator wires a ToolOrchestrator, switching tool dispatch from the
// inline ToolExecutor loop to the three-phase pre-hook/execute/post-hook
// pipeline. Pass nil to revert to the inline path.
func (a *AgentLoop) SetOrchestrator(o ToolOrchestrator) {
	a.orchestrator = o
}

// SetSessionStore wires durable per-step message logging.
func (a *AgentLoop) SetSessionStore(store session.Store) {
	a.sessionStore = store
}

// SetCostTracker wires per-call usage/cost accounting.
func (a *AgentLoop) SetCostTracker(tracker *cost.Tracker) {
	a.costTracker = tracker
}

// SetCheckpointManager wires on-demand full-tree snapshots, taken after any
// step that ran a mutating tool call.
func (a *AgentLoop) SetCheckpointManager(mgr *checkpoint.Manager) {
	a.checkpoints = mgr
}

// AgentResult is the final result of the agent loop
type AgentResult struct {
	FinalContent string
	TotalSteps   int
	TotalTokens  int
	ModelUsed    string
	ToolsUsed    []string
	Outcome      Outcome
}

// Run executes the loop against a fresh root cancellation scope and session
// ID, emitting events to the returned channel. Kept as the backward-compatible
// entry point for callers that don't need explicit scope/session control —
// RunSession is the fully-wired entry point.
func (a *AgentLoop) Run(ctx context.Context, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent) {
	scope := cancel.NewRoot(ctx)
	return a.RunSession(ctx, scope, uuid.NewString(), systemPrompt, userMessage, history, modelOverride)
}

// RunSession executes the loop under scope, durably logging to sessionID
// when a session store is wired. The caller owns scope: canceling it (e.g.
// on SIGINT) surfaces as an Interrupted outcome.
func (a *AgentLoop) RunSession(ctx context.Context, scope *cancel.Scope, sessionID string, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent) {
	eventCh := make(chan entity.AgentEvent, 64)

	result := &AgentResult{}

	// Inject trace ID for structured logging
	ctx = WithTraceID(ctx, "")
	a.logger = a.logger.With(zap.String("trace_id", TraceIDFromContext(ctx)), zap.String("session_id", sessionID))

	// Clear tool cache for each new run
	a.toolCache.Clear()

	sm := NewStateMachine(a.config.MaxSteps, a.logger)
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		a.hooks.OnStateChange(from, to, snap)
	})

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Agent loop panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("Internal error: %v", r),
				})
				result.FinalContent = fmt.Sprintf("Internal error: %v", r)
				_ = sm.Finish(Outcome{Kind: OutcomeFailed, FailureClass: FailureOther, Err: fmt.Errorf("%v", r)})
				result.Outcome = *sm.Outcome()
			}
		}()
		a.runLoop(scope, sessionID, systemPrompt, userMessage, history, result, eventCh, sm, modelOverride)
	}()

	return result, eventCh
}

func (a *AgentLoop) runLoop(
	scope *cancel.Scope,
	sessionID string,
	systemPrompt string,
	userMessage string,
	history []LLMMessage,
	result *AgentResult,
	eventCh chan<- entity.AgentEvent,
	sm *StateMachine,
	modelOverride string,
) {
	ctx := scope.Context()
	ctx = WithUserMessage(ctx, userMessage)

	finish := func(outcome Outcome) {
		if err := sm.Finish(outcome); err != nil {
			a.logger.Error("state machine refused terminal transition", zap.Error(err))
		}
		result.Outcome = outcome
	}

	// Build initial messages
	messages := make([]LLMMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, LLMMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, LLMMessage{Role: "user", Content: userMessage})
	a.logSessionMessage(ctx, sessionID, session.KindUser, userMessage, nil, nil)

	toolDefs := a.tools.GetDefinitions()
	toolsUsedSet := make(map[string]bool)

	loopDetector := NewLoopDetector(a.config.LoopWindowSize, a.config.LoopDetectThreshold, a.config.LoopNameThreshold, a.logger)
	contextGuard := NewContextGuard(a.config.ContextMaxTokens, a.config.ContextWarnRatio, a.config.ContextHardRatio, a.logger)
	var costGuard *CostGuard
	if a.config.MaxTokenBudget > 0 {
		costGuard = NewCostGuard(a.config.MaxTokenBudget, 0, a.logger)
	}

	consecutiveFailures := 0
	overflowCompactions := 0
	compactionThisTurn := false

	var assistantTexts []string

	model := a.config.Model
	if modelOverride != "" {
		model = modelOverride
		a.logger.Info("Model override active", zap.String("override", modelOverride))
	}

	policy := ResolveModelPolicy(model, a.config.ModelPolicies)
	a.logger.Info("Model policy resolved",
		zap.String("model", model),
		zap.String("reasoning_format", policy.ReasoningFormat),
		zap.Int("progress_interval", policy.ProgressInterval),
		zap.String("prompt_style", policy.PromptStyle),
	)

	if err := sm.Transition(StatePreparing); err != nil {
		a.logger.Error("failed to enter Preparing", zap.Error(err))
	}

	for step := 1; ; step++ {
		sm.SetStep(step)

		// 1. Interruption check — first thing every step, per the documented
		// eight-step algorithm.
		if scope.Cancelled() {
			finish(Outcome{Kind: OutcomeInterrupted})
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: "Task interrupted by user"})
			return
		}

		// 2. Limit checks — max_steps is exhausted once `step` would exceed
		// the configured ceiling (N completed steps for max_steps=N).
		if a.config.MaxSteps > 0 && step > a.config.MaxSteps {
			finish(Outcome{Kind: OutcomeMaxStepsReached})
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: "max steps reached"})
			return
		}

		a.logger.Info("Agent loop step", zap.Int("step", step), zap.Int("messages", len(messages)))

		// === Progress injection: policy-driven interval with escalating urgency ===
		if policy.ProgressInterval > 0 && step > 1 && step%policy.ProgressInterval == 0 {
			if msg := policy.BuildProgressMessage(step); msg != "" {
				messages = append(messages, LLMMessage{Role: "user", Content: msg})
			}
		}

		// 3. Context preparation — token-based compaction only (no fixed
		// message-count threshold).
		ctxCheck := contextGuard.Check(messages)
		if ctxCheck.NeedCompaction {
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Context compacted (token threshold)",
				zap.Int("messages_after", len(messages)),
				zap.Int("estimated_tokens", ctxCheck.EstimatedTokens),
				zap.Float64("ratio", ctxCheck.Ratio),
			)
		}

		messages = sanitizeMessages(messages)

		// 4. Model request. A context-overflow error retries in place
		// (Retrying is a sub-state of AwaitingModel) without consuming
		// another step — max_steps counts completed steps, not recoveries.
		if err := sm.Transition(StateAwaitingModel); err != nil {
			a.logger.Error("failed to enter AwaitingModel", zap.Error(err))
		}

		var resp *LLMResponse
		var err error
		for {
			mwMessages := a.middleware.RunBeforeModel(ctx, messages, step)

			llmReq := &LLMRequest{
				Messages:    mwMessages,
				Tools:       toolDefs,
				Model:       model,
				Temperature: a.config.Temperature,
			}

			a.hooks.BeforeLLMCall(ctx, llmReq, step)

			resp, err = a.callLLMWithRetry(ctx, llmReq, step, eventCh)
			if err != nil && IsContextOverflowError(err) && overflowCompactions < 3 {
				overflowCompactions++
				a.logger.Warn("Context overflow detected, auto-compacting",
					zap.Int("attempt", overflowCompactions),
					zap.Int("messages", len(messages)),
					zap.Error(err),
				)
				_ = sm.Transition(StateRetrying)
				messages = a.compactMessages(messages)
				_ = sm.Transition(StateAwaitingModel)
				a.logger.Info("Auto-compaction complete, retrying LLM call", zap.Int("messages_after", len(messages)))
				continue
			}
			break
		}
		if err != nil {
			sm.RecordError()
			a.hooks.OnError(ctx, err, step)
			finish(Outcome{Kind: OutcomeFailed, FailureClass: FailureOther, Err: err})
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:  entity.EventError,
				Error: fmt.Sprintf("LLM error at step %d (after %d retries): %v", step, a.config.MaxRetries, err),
			})
			result.FinalContent = fmt.Sprintf("Error: %v", err)
			return
		}

		result.TotalTokens += resp.TokensUsed
		result.ModelUsed = resp.ModelUsed
		result.TotalSteps = step
		sm.AddTokens(resp.TokensUsed)
		sm.SetModel(resp.ModelUsed)

		if a.costTracker != nil {
			usage := cost.Usage{CompletionTokens: int64(resp.TokensUsed)}
			if _, level, cerr := a.costTracker.Record(ctx, sessionID, inferProvider(resp.ModelUsed), resp.ModelUsed, usage); cerr != nil {
				a.logger.Debug("cost tracker: no pricing entry", zap.String("model", resp.ModelUsed), zap.Error(cerr))
			} else if level == cost.LevelLimitExceeded {
				finish(Outcome{Kind: OutcomeFailed, FailureClass: FailureBudget, Err: fmt.Errorf("cost limit exceeded")})
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: "Budget exceeded: cost limit reached"})
				result.FinalContent = "Stopped: cost limit reached"
				return
			}
		}

		if costGuard != nil {
			if err := costGuard.AddTokens(int64(resp.TokensUsed)); err != nil {
				a.hooks.OnError(ctx, err, step)
				finish(Outcome{Kind: OutcomeFailed, FailureClass: FailureBudget, Err: err})
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: fmt.Sprintf("Budget exceeded: %v", err)})
				result.FinalContent = fmt.Sprintf("Stopped: %v", err)
				return
			}
			if err := costGuard.CheckBudget(); err != nil {
				a.hooks.OnError(ctx, err, step)
				finish(Outcome{Kind: OutcomeFailed, FailureClass: FailureBudget, Err: err})
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventError, Error: fmt.Sprintf("Budget exceeded: %v", err)})
				result.FinalContent = fmt.Sprintf("Stopped: %v", err)
				return
			}
		}

		// 5. Response handling.
		resp = a.middleware.RunAfterModel(ctx, resp, step)
		a.hooks.AfterLLMCall(ctx, resp, step)

		snap := sm.Snapshot()
		a.emitEvent(eventCh, entity.AgentEvent{
			Type: entity.EventStepDone,
			StepInfo: &entity.StepInfo{
				Step:       step,
				TokensUsed: resp.TokensUsed,
				ModelUsed:  resp.ModelUsed,
				State:      string(snap.State),
			},
		})

		if len(resp.ToolCalls) == 0 {
			if compactionThisTurn {
				compactionThisTurn = false
				a.logger.Info("Auto-continue after compaction", zap.Int("step", step))
				messages = append(messages, LLMMessage{Role: "assistant", Content: resp.Content})
				messages = append(messages, LLMMessage{Role: "user", Content: "continue"})
				_ = sm.Transition(StateStepping)
				_ = sm.Transition(StatePreparing)
				continue
			}

			finalContent := StripReasoningTags(resp.Content)

			if strings.TrimSpace(finalContent) == "" && step > 1 {
				if last := messages[len(messages)-1]; last.Role != "assistant" {
					messages = append(messages, LLMMessage{Role: "assistant", Content: "好的，已完成工具调用。"})
				}
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: "请用简洁的文字总结你刚才执行的操作和最终结果。不要重复方案，只说结果。",
				})
				summaryReq := &LLMRequest{Messages: messages, Tools: nil, Model: model, Temperature: a.config.Temperature}
				summaryResp, err := a.callLLMWithRetry(ctx, summaryReq, step+1, eventCh)
				if err == nil && strings.TrimSpace(summaryResp.Content) != "" {
					finalContent = StripReasoningTags(summaryResp.Content)
				}
			}

			if strings.TrimSpace(finalContent) == "" && len(assistantTexts) > 0 {
				finalContent = assistantTexts[len(assistantTexts)-1]
			}

			result.FinalContent = finalContent
			a.logSessionMessage(ctx, sessionID, session.KindAssistant, finalContent, nil, nil)
			_ = sm.Transition(StateStepping)
			finish(Outcome{Kind: OutcomeSuccess, LastResponse: finalContent})
			a.hooks.OnComplete(ctx, result)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
			return
		}

		if cleaned := strings.TrimSpace(StripReasoningTags(resp.Content)); cleaned != "" {
			assistantTexts = append(assistantTexts, cleaned)
		}

		messages = append(messages, LLMMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		a.logSessionMessage(ctx, sessionID, session.KindAssistant, resp.Content, toSessionToolCalls(resp.ToolCalls), nil)

		// 6. Tool processing.
		if err := sm.Transition(StateProcessingToolCalls); err != nil {
			a.logger.Error("failed to enter ProcessingToolCalls", zap.Error(err))
		}

		var reflectionPrompts []string
		for _, tc := range resp.ToolCalls {
			kind := a.tools.GetToolKind(tc.Name)
			if domaintool.SafeKinds[kind] {
				continue
			}
			if prompt := loopDetector.RecordName(tc.Name); prompt != "" {
				reflectionPrompts = append(reflectionPrompts, prompt)
			}
			argsFingerprint := ""
			if tc.Arguments != nil {
				if raw, err := json.Marshal(tc.Arguments); err == nil {
					argsFingerprint = string(raw)
				}
			}
			if prompt := loopDetector.Record(tc.Name, argsFingerprint); prompt != "" {
				reflectionPrompts = append(reflectionPrompts, prompt)
			}
		}

		for _, tc := range resp.ToolCalls {
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:     entity.EventToolCall,
				ToolCall: &entity.ToolCallEvent{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments},
			})
		}

		var toolResults []toolExecResult
		needsUserInput, needsInputContent := false, ""
		mutatorRan := false

		if a.orchestrator != nil {
			batch := a.orchestrator.ExecuteBatch(ctx, scope, sessionID, resp.ToolCalls)
			toolResults = make([]toolExecResult, len(batch))
			for i, r := range batch {
				output := truncateOutput(r.Output, a.config.MaxOutputChars)
				toolResults[i] = toolExecResult{TC: r.Call, Output: output, Display: r.Display, Success: r.Success, Duration: r.Duration}
				if r.NeedsUserInput {
					needsUserInput = true
					needsInputContent = output
				}
				if kind := a.tools.GetToolKind(r.Call.Name); domaintool.MutatorKinds[kind] {
					mutatorRan = true
				}
			}
		} else {
			toolResults = a.executeToolsInline(ctx, resp.ToolCalls)
			for _, r := range toolResults {
				if kind := a.tools.GetToolKind(r.TC.Name); domaintool.MutatorKinds[kind] {
					mutatorRan = true
				}
			}
		}

		sessionResults := make([]session.ToolResult, 0, len(toolResults))
		for _, r := range toolResults {
			toolsUsedSet[r.TC.Name] = true
			sm.RecordToolExec(r.TC.Name)

			a.emitEvent(eventCh, entity.AgentEvent{
				Type: entity.EventToolResult,
				ToolCall: &entity.ToolCallEvent{
					ID: r.TC.ID, Name: r.TC.Name, Arguments: r.TC.Arguments,
					Output: r.Output, Display: r.Display, Success: r.Success, Duration: r.Duration,
				},
			})

			messages = append(messages, LLMMessage{Role: "tool", Content: r.Output, ToolCallID: r.TC.ID, Name: r.TC.Name})
			sessionResults = append(sessionResults, session.ToolResult{
				CallID: r.TC.ID, ToolName: r.TC.Name, Success: r.Success, Output: r.Output,
				ExecutionTimeMS: r.Duration.Milliseconds(),
			})
		}
		a.logSessionMessage(ctx, sessionID, session.KindToolResult, "", nil, sessionResults)

		result.ToolsUsed = result.ToolsUsed[:0]
		for name := range toolsUsedSet {
			result.ToolsUsed = append(result.ToolsUsed, name)
		}

		if needsUserInput {
			_ = sm.Transition(StateAwaitingUserInput)
			finish(Outcome{Kind: OutcomeNeedsUserInput, LastResponse: needsInputContent})
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
			return
		}

		if mutatorRan && a.checkpoints != nil {
			if _, err := a.checkpoints.Create(ctx, fmt.Sprintf("step %d", step), checkpoint.TypeAuto); err != nil {
				a.logger.Warn("checkpoint creation failed", zap.Error(err))
			}
		}

		allFailed := true
		for _, r := range toolResults {
			if r.Success {
				allFailed = false
				break
			}
		}
		if allFailed && len(toolResults) > 0 {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		if consecutiveFailures >= 3 {
			messages = append(messages, LLMMessage{
				Role:    "user",
				Content: "[SYSTEM] 工具已连续失败 3 轮。请停止重试，用中文告诉用户：遇到了什么问题、尝试了什么、建议的解决方案。",
			})
			consecutiveFailures = 0
		}

		for _, prompt := range reflectionPrompts {
			messages = append(messages, LLMMessage{Role: "user", Content: prompt})
		}

		postToolCheck := contextGuard.Check(messages)
		if postToolCheck.NeedCompaction {
			a.logger.Warn("Post-tool context overflow, forcing compaction",
				zap.Int("estimated_tokens", postToolCheck.EstimatedTokens),
				zap.Float64("ratio", postToolCheck.Ratio),
			)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
		}

		// 7/8. Step recording + loop continuation.
		if err := sm.Transition(StateStepping); err != nil {
			a.logger.Error("failed to enter Stepping", zap.Error(err))
		}
		if err := sm.Transition(StatePreparing); err != nil {
			a.logger.Error("failed to re-enter Preparing", zap.Error(err))
		}
	}
}

// toolExecResult is the dispatch-path-agnostic shape both the inline
// executor and the ToolOrchestrator batch are normalized into.
type toolExecResult struct {
	TC       entity.ToolCallInfo
	Output   string
	Display  string
	Success  bool
	Duration time.Duration
}

// executeToolsInline dispatches tool calls directly through ToolExecutor —
// the path used when no ToolOrchestrator is wired (e.g. existing callers
// that haven't adopted the three-phase pipeline yet).
func (a *AgentLoop) executeToolsInline(ctx context.Context, calls []entity.ToolCallInfo) []toolExecResult {
	results := make([]toolExecResult, len(calls))
	var wg sync.WaitGroup
	sem := make(chan struct{}, a.config.MaxParallelTools)

	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, call entity.ToolCallInfo) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = toolExecResult{TC: call, Output: "context cancelled", Success: false}
				return
			}

			if !a.hooks.BeforeToolCall(ctx, call.Name, call.Arguments) {
				results[idx] = toolExecResult{TC: call, Output: fmt.Sprintf("Tool '%s' was blocked by security policy", call.Name)}
				return
			}

			start := time.Now()

			if cached, cachedSuccess, hit := a.toolCache.Get(call.Name, call.Arguments); hit {
				results[idx] = toolExecResult{TC: call, Output: cached, Success: cachedSuccess, Duration: time.Since(start)}
				a.hooks.AfterToolCall(ctx, call.Name, cached, cachedSuccess)
				return
			}

			toolCtx := ctx
			if a.config.ToolTimeout > 0 {
				var toolCancel context.CancelFunc
				toolCtx, toolCancel = context.WithTimeout(ctx, a.config.ToolTimeout)
				defer toolCancel()
			}

			toolResult, err := a.tools.Execute(toolCtx, call.Name, call.Arguments)
			duration := time.Since(start)

			var output string
			var success bool

			if err != nil {
				output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %v\n[HINT] 工具执行出错。如果问题持续，请停止重试并告知用户。", call.Name, err)
				success = false
			} else {
				success = toolResult.Success
				if !success {
					errText := toolResult.Error
					if errText == "" {
						errText = toolResult.Output
					}
					exitCode := 1
					hint := "命令执行失败"
					if toolResult.Metadata != nil {
						if ec, ok := toolResult.Metadata["exit_code"].(int); ok {
							exitCode = ec
							hint = exitCodeHint(ec)
						}
					}
					output = fmt.Sprintf("[TOOL_FAILED] %s\n[EXIT_CODE] %d — %s\n[OUTPUT]\n%s", call.Name, exitCode, hint, errText)
				} else {
					output = toolResult.Output
				}
			}

			output = truncateOutput(output, a.config.MaxOutputChars)
			a.toolCache.Put(call.Name, call.Arguments, output, success)

			var display string
			if toolResult != nil {
				display = toolResult.Display
			}

			results[idx] = toolExecResult{TC: call, Output: output, Display: display, Success: success, Duration: duration}
		}(i, tc)
	}

	wg.Wait()
	return results
}

func toSessionToolCalls(calls []entity.ToolCallInfo) []session.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]session.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = session.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func (a *AgentLoop) logSessionMessage(ctx context.Context, sessionID string, kind session.Kind, content string, toolCalls []session.ToolCall, toolResults []session.ToolResult) {
	if a.sessionStore == nil {
		return
	}
	msg := session.Message{
		UUID:        uuid.NewString(),
		Kind:        kind,
		Content:     content,
		ToolCalls:   toolCalls,
		ToolResults: toolResults,
		Timestamp:   time.Now(),
	}
	if err := a.sessionStore.AppendMessage(ctx, sessionID, msg); err != nil {
		a.logger.Warn("session log append failed", zap.Error(err))
	}
}

func inferProvider(model string) string {
	switch {
	case strings.Contains(model, "claude"):
		return "anthropic"
	case strings.Contains(model, "gpt"):
		return "openai"
	default:
		return "custom"
	}
}

// exitCodeHint returns a human-readable Chinese explanation for common exit codes.
func exitCodeHint(code int) string {
	switch code {
	case 0:
		return "成功"
	case 1:
		return "一般错误 — 检查命令参数或文件路径"
	case 2:
		return "参数错误 — 命令语法不正确"
	case 124:
		return "超时被杀 (TIMEOUT) — 命令未在时限内完成，可能网络不通或服务无响应"
	case 126:
		return "权限不足 — 文件不可执行"
	case 127:
		return "命令未找到 — 检查命令名称或 PATH"
	case 128:
		return "信号退出 — 进程被异常终止"
	case 130:
		return "Ctrl+C 中断"
	case 137:
		return "被 SIGKILL 杀死 — 可能内存不足 (OOM)"
	case 139:
		return "段错误 (SIGSEGV)"
	case 143:
		return "被 SIGTERM 终止"
	case 255:
		return "SSH 连接失败 — 检查主机可达性、端口、认证"
	default:
		if code > 128 {
			return fmt.Sprintf("被信号 %d 终止", code-128)
		}
		return "未知错误"
	}
}
