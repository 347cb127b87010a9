// Package orchestrator implements the execution loop's three-phase tool
// pipeline (pre-hook -> execute -> post-hook), grounded on the teacher's
// AgentHook/BeforeToolCall veto (internal/domain/service/hooks.go)
// generalized into matcher-gated hooks with continue/block(reason)
// semantics, the permission round-trip via internal/domain/inputchannel,
// and capability predicates from internal/domain/tool.Capabilities.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/background"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cancel"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/inputchannel"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/supervisor"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	toolinfra "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/tool"
)

// Event names the three hook phases, matching the documented pipeline.
type Event string

const (
	EventPreToolUse       Event = "pre_tool_use"
	EventPostToolUse      Event = "post_tool_use"
	EventPostToolUseFailure Event = "post_tool_use_failure"
)

// Decision is a hook's verdict: continue silently, or block with a reason
// surfaced back to the model in place of the tool's output.
type Decision struct {
	Blocked bool
	Reason  string
}

// Continue lets the call proceed.
func Continue() Decision { return Decision{} }

// Block vetoes the call with reason.
func Block(reason string) Decision { return Decision{Blocked: true, Reason: reason} }

// Matcher gates a Hook to the tool calls it applies to: a glob over the
// tool name, optionally narrowed by a regex over one argument field.
type Matcher struct {
	NamePattern string
	ArgField    string
	ArgPattern  *regexp.Regexp
}

func (m *Matcher) Matches(toolName string, args map[string]interface{}) bool {
	if m == nil {
		return true
	}
	if m.NamePattern != "" {
		if ok, _ := filepath.Match(m.NamePattern, toolName); !ok {
			return false
		}
	}
	if m.ArgPattern != nil && m.ArgField != "" {
		v, _ := args[m.ArgField].(string)
		if !m.ArgPattern.MatchString(v) {
			return false
		}
	}
	return true
}

// Input is what a Hook receives, mirroring the external hook wire contract
// (event/session_id/cwd/tool_name/tool_input/tool_result).
type Input struct {
	Event      Event
	SessionID  string
	WorkingDir string
	ToolName   string
	ToolInput  map[string]interface{}
	ToolResult *domaintool.Result
}

// Hook is one matcher-gated callback for one phase.
type Hook struct {
	Name    string
	Event   Event
	Matcher *Matcher
	Run     func(ctx context.Context, in Input) Decision
}

// Orchestrator implements service.ToolOrchestrator.
type Orchestrator struct {
	registry   domaintool.Registry
	executor   *toolinfra.Executor
	hooks      []Hook
	inputCh    *inputchannel.Channel
	tracker    *session.Tracker
	background *background.Registry
	supervisor *supervisor.Supervisor
	workDir    string
	toolTimeout time.Duration

	mu         sync.Mutex
	permitted  map[string]bool // sessionID|toolName -> granted for this process lifetime

	logger *zap.Logger
}

// New wires an orchestrator. tracker, bg and sup may be nil (file-snapshot
// capture, background-shell dispatch and supervised-wait respectively are
// skipped). inputCh may be nil, in which case tools that require user
// interaction always resolve to NeedsUserInput.
func New(
	registry domaintool.Registry,
	executor *toolinfra.Executor,
	inputCh *inputchannel.Channel,
	tracker *session.Tracker,
	bg *background.Registry,
	sup *supervisor.Supervisor,
	workDir string,
	toolTimeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if toolTimeout <= 0 {
		toolTimeout = domaintool.DefaultMaxExecutionDuration
	}
	return &Orchestrator{
		registry:    registry,
		executor:    executor,
		inputCh:     inputCh,
		tracker:     tracker,
		background:  bg,
		supervisor:  sup,
		workDir:     workDir,
		toolTimeout: toolTimeout,
		permitted:   make(map[string]bool),
		logger:      logger,
	}
}

// Use registers a hook, appended to the phase's pipeline in registration order.
func (o *Orchestrator) Use(h Hook) {
	o.hooks = append(o.hooks, h)
}

// ExecuteBatch implements service.ToolOrchestrator, partitioning calls into
// parallel-safe concurrent groups fenced by any non-parallel call (§5: a
// non-parallel call runs alone between the parallel calls that precede and
// follow it within the same turn).
func (o *Orchestrator) ExecuteBatch(ctx context.Context, scope *cancel.Scope, sessionID string, calls []entity.ToolCallInfo) []service.ToolBatchResult {
	results := make([]service.ToolBatchResult, len(calls))

	i := 0
	for i < len(calls) {
		if o.supportsParallel(calls[i].Name) {
			j := i
			g, gctx := errgroup.WithContext(ctx)
			for j < len(calls) && o.supportsParallel(calls[j].Name) {
				idx := j
				g.Go(func() error {
					results[idx] = o.executeOne(gctx, scope, sessionID, calls[idx])
					return nil
				})
				j++
			}
			_ = g.Wait() // each call reports its own failure in ToolBatchResult, never via error
			i = j
			continue
		}
		results[i] = o.executeOne(ctx, scope, sessionID, calls[i])
		i++
	}

	return results
}

func (o *Orchestrator) supportsParallel(toolName string) bool {
	t, ok := o.registry.Get(toolName)
	if !ok {
		return true // unknown tool: the not-found result is instant, fine to batch
	}
	return domaintool.SupportsParallelExecution(t)
}

func (o *Orchestrator) executeOne(ctx context.Context, scope *cancel.Scope, sessionID string, call entity.ToolCallInfo) service.ToolBatchResult {
	start := time.Now()

	if r, handled := o.handleBackgroundControl(call); handled {
		r.Duration = time.Since(start)
		return r
	}

	tool, ok := o.registry.Get(call.Name)
	if !ok {
		return service.ToolBatchResult{
			Call:     call,
			Output:   fmt.Sprintf("Tool '%s' not found", call.Name),
			Success:  false,
			Duration: time.Since(start),
		}
	}

	if d := o.runHooks(ctx, EventPreToolUse, sessionID, call.Name, call.Arguments, nil); d.Blocked {
		return service.ToolBatchResult{
			Call: call, Blocked: true, BlockedReason: d.Reason,
			Output: fmt.Sprintf("Tool '%s' blocked: %s", call.Name, d.Reason), Duration: time.Since(start),
		}
	}

	if domaintool.RequiresUserInteraction(tool) && !o.isPermitted(sessionID, call.Name) {
		blocked, needsInput, reason := o.requestPermission(ctx, sessionID, call, tool)
		if blocked {
			return service.ToolBatchResult{
				Call: call, Blocked: true, NeedsUserInput: needsInput, BlockedReason: reason,
				Output: fmt.Sprintf("Tool '%s' not permitted: %s", call.Name, reason), Duration: time.Since(start),
			}
		}
	}

	if err := domaintool.Validate(tool, call.Arguments); err != nil {
		return service.ToolBatchResult{
			Call: call, Success: false,
			Output: fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] invalid arguments: %v", call.Name, err),
			Duration: time.Since(start),
		}
	}

	o.snapshotIfMutator(tool, call)

	if sid, spawned := o.spawnBackgroundIfRequested(scope, call, tool); spawned {
		return service.ToolBatchResult{
			Call: call, Success: true,
			Output:   fmt.Sprintf("started background shell %s", sid),
			Duration: time.Since(start),
		}
	}

	timeout := domaintool.MaxExecutionDuration(tool)
	if o.toolTimeout > 0 && o.toolTimeout < timeout {
		timeout = o.toolTimeout
	}
	toolCtx, cancelFn := context.WithTimeout(scope.Context(), timeout)
	defer cancelFn()

	execResult, execErr := o.executor.Execute(toolCtx, toolinfra.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})

	var out service.ToolBatchResult
	out.Call = call
	out.Duration = time.Since(start)
	if execErr != nil || execResult == nil {
		out.Success = false
		out.Output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %v", call.Name, execErr)
	} else {
		out.Success = execResult.Success
		out.Output = execResult.Output
		if execResult.Error != nil {
			out.Output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %v", call.Name, execResult.Error)
		}
	}

	var domResult *domaintool.Result
	if execResult != nil {
		domResult = &domaintool.Result{Output: execResult.Output, Success: execResult.Success}
	}
	phaseEvent := EventPostToolUse
	if !out.Success {
		phaseEvent = EventPostToolUseFailure
	}
	o.runHooks(ctx, phaseEvent, sessionID, call.Name, call.Arguments, domResult)

	return out
}

// handleBackgroundControl intercepts the two reserved control calls that
// operate on the background-shell registry directly rather than dispatching
// through the tool registry.
func (o *Orchestrator) handleBackgroundControl(call entity.ToolCallInfo) (service.ToolBatchResult, bool) {
	if o.background == nil {
		return service.ToolBatchResult{}, false
	}
	switch call.Name {
	case "background_output":
		id, _ := call.Arguments["shell_id"].(string)
		incremental, _ := call.Arguments["incremental"].(bool)
		out, err := o.background.Output(id, incremental, 0)
		if err != nil {
			return service.ToolBatchResult{Call: call, Success: false, Output: err.Error()}, true
		}
		return service.ToolBatchResult{
			Call: call, Success: true,
			Output: fmt.Sprintf("status=%s exit=%d\n%s%s", out.Status, out.ExitCode, out.Stdout, out.Stderr),
		}, true
	case "background_kill":
		id, _ := call.Arguments["shell_id"].(string)
		if err := o.background.Kill(id); err != nil {
			return service.ToolBatchResult{Call: call, Success: false, Output: err.Error()}, true
		}
		return service.ToolBatchResult{Call: call, Success: true, Output: fmt.Sprintf("shell %s killed", id)}, true
	}
	return service.ToolBatchResult{}, false
}

// spawnBackgroundIfRequested dispatches execute-kind calls flagged
// run_in_background to the background registry instead of a synchronous
// tool.Execute, and arranges for the supervisor to observe completion.
func (o *Orchestrator) spawnBackgroundIfRequested(scope *cancel.Scope, call entity.ToolCallInfo, t domaintool.Tool) (string, bool) {
	if o.background == nil || t.Kind() != domaintool.KindExecute {
		return "", false
	}
	bg, _ := call.Arguments["run_in_background"].(bool)
	if !bg {
		return "", false
	}
	command, _ := call.Arguments["command"].(string)
	if command == "" {
		return "", false
	}
	id, err := o.background.Spawn(scope, o.workDir, command)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("background spawn failed", zap.String("tool", call.Name), zap.Error(err))
		}
		return "", false
	}
	if o.supervisor != nil {
		go func() {
			_ = o.supervisor.Run(scope.Context(), id, func(taskCtx context.Context) error {
				out, waitErr := o.background.Output(id, false, 0)
				if waitErr != nil {
					return waitErr
				}
				if out.Status == background.StatusFailed {
					return fmt.Errorf("background shell %s exited %d", id, out.ExitCode)
				}
				return nil
			}, supervisor.Policy{MaxRestarts: 0})
		}()
	}
	return id, true
}

// snapshotIfMutator takes a pre-edit file snapshot for tools that declare a
// string "path" or "file_path" argument and mutate state (§3 invariant:
// file snapshots precede the edit they protect).
func (o *Orchestrator) snapshotIfMutator(t domaintool.Tool, call entity.ToolCallInfo) {
	if o.tracker == nil || !domaintool.MutatorKinds[t.Kind()] {
		return
	}
	path, _ := call.Arguments["path"].(string)
	if path == "" {
		path, _ = call.Arguments["file_path"].(string)
	}
	if path == "" {
		return
	}
	if _, err := o.tracker.Snapshot(path, call.ID); err != nil && o.logger != nil {
		o.logger.Warn("file snapshot failed", zap.String("path", path), zap.Error(err))
	}
}

func (o *Orchestrator) requestPermission(ctx context.Context, sessionID string, call entity.ToolCallInfo, t domaintool.Tool) (blocked, needsInput bool, reason string) {
	if o.inputCh == nil {
		return true, true, "no interactive consumer installed"
	}
	req := inputchannel.NewPermissionRequest(call.Name, t.Description(), call.Arguments, nil)
	resp, err := o.inputCh.Ask(ctx, req)
	if err != nil {
		return true, true, err.Error()
	}
	if resp.IsCancelled() {
		return true, false, "cancelled by user"
	}
	if !resp.IsPermissionGranted() {
		if resp.DenyReason != "" {
			return true, false, resp.DenyReason
		}
		return true, false, "permission denied"
	}
	o.setPermitted(sessionID, call.Name)
	return false, false, ""
}

func (o *Orchestrator) permKey(sessionID, toolName string) string { return sessionID + "|" + toolName }

func (o *Orchestrator) isPermitted(sessionID, toolName string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.permitted[o.permKey(sessionID, toolName)] || o.permitted[o.permKey("", toolName)]
}

func (o *Orchestrator) setPermitted(sessionID, toolName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.permitted[o.permKey(sessionID, toolName)] = true
}

func (o *Orchestrator) runHooks(ctx context.Context, event Event, sessionID, toolName string, args map[string]interface{}, result *domaintool.Result) Decision {
	for _, h := range o.hooks {
		if h.Event != event || !h.Matcher.Matches(toolName, args) {
			continue
		}
		d := h.Run(ctx, Input{Event: event, SessionID: sessionID, WorkingDir: o.workDir, ToolName: toolName, ToolInput: args, ToolResult: result})
		if event != EventPreToolUse {
			// post-hook failures are logged, never fatal
			if d.Blocked && o.logger != nil {
				o.logger.Warn("post-hook reported a problem", zap.String("hook", h.Name), zap.String("reason", d.Reason))
			}
			continue
		}
		if d.Blocked {
			return d
		}
	}
	return Continue()
}
