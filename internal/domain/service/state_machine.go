package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentState names the execution loop's states. Naming matches the
// documented state machine exactly: Idle, Preparing, AwaitingModel,
// ProcessingToolCalls, AwaitingUserInput, Stepping, Terminal. Compacting
// and Retrying are sub-states of Preparing/AwaitingModel respectively —
// kept distinct here because the loop's listeners care about them
// separately from their parent state.
type AgentState string

const (
	StateIdle                AgentState = "idle"
	StatePreparing           AgentState = "preparing"
	StateCompacting          AgentState = "compacting"           // sub-state of Preparing
	StateAwaitingModel       AgentState = "awaiting_model"
	StateRetrying            AgentState = "retrying"             // sub-state of AwaitingModel
	StateProcessingToolCalls AgentState = "processing_tool_calls"
	StateAwaitingUserInput   AgentState = "awaiting_user_input"
	StateStepping            AgentState = "stepping"
	StateTerminal            AgentState = "terminal"
)

// OutcomeKind enumerates the ways a run can reach Terminal.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeInterrupted     OutcomeKind = "interrupted"
	OutcomeMaxStepsReached OutcomeKind = "max_steps_reached"
	OutcomeNeedsUserInput  OutcomeKind = "needs_user_input"
	OutcomeFailed          OutcomeKind = "failed"
)

// FailureClass narrows OutcomeFailed, distinguishing a token-budget stop
// from every other failure (LLM error, tool orchestration error, panic).
type FailureClass string

const (
	FailureBudget FailureClass = "budget"
	FailureOther  FailureClass = "other"
)

// Outcome is the payload attached to the Terminal state.
type Outcome struct {
	Kind         OutcomeKind
	LastResponse string       // set for NeedsUserInput
	Err          error        // set for Failed
	FailureClass FailureClass // set for Failed
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s): %v", o.FailureClass, o.Err)
	default:
		return string(o.Kind)
	}
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[AgentState]map[AgentState]bool{
	StateIdle: {
		StatePreparing: true,
	},
	StatePreparing: {
		StateCompacting:    true,
		StateAwaitingModel: true,
		StateTerminal:      true, // interrupted/budget-exceeded while preparing
	},
	StateCompacting: {
		StateAwaitingModel: true,
		StateTerminal:      true,
	},
	StateAwaitingModel: {
		StateRetrying:            true,
		StateProcessingToolCalls: true,
		StateStepping:            true, // no tool calls — step concludes, loop continues
		StateAwaitingUserInput:   true,
		StateTerminal:            true,
	},
	StateRetrying: {
		StateAwaitingModel: true,
		StateTerminal:      true,
	},
	StateProcessingToolCalls: {
		StateStepping:          true,
		StateAwaitingUserInput: true, // a gated tool call needs an interactive round-trip
		StateTerminal:          true,
	},
	StateAwaitingUserInput: {
		StateProcessingToolCalls: true, // permission granted, resume tool execution
		StateStepping:            true,
		StateTerminal:            true,
	},
	StateStepping: {
		StatePreparing: true, // next step
		StateTerminal:  true,
	},
	// Terminal — no transitions out
	StateTerminal: {},
}

// StateSnapshot captures the agent's runtime state at a point in time.
type StateSnapshot struct {
	State         AgentState    `json:"state"`
	Step          int           `json:"step"`
	MaxSteps      int           `json:"max_steps"` // 0 = unlimited
	TokensUsed    int           `json:"tokens_used"`
	ToolsExecuted int           `json:"tools_executed"`
	RetryCount    int           `json:"retry_count"`
	ErrorCount    int           `json:"error_count"`
	Elapsed       time.Duration `json:"elapsed"`
	ModelUsed     string        `json:"model_used,omitempty"`
	LastTool      string        `json:"last_tool,omitempty"`
	Outcome       *Outcome      `json:"outcome,omitempty"`
}

// StateMachine manages state transitions for an agent loop run.
// Thread-safe — multiple goroutines can read state concurrently.
type StateMachine struct {
	mu            sync.RWMutex
	state         AgentState
	step          int
	maxSteps      int
	tokensUsed    int
	toolsExecuted int
	retryCount    int
	errorCount    int
	startTime     time.Time
	modelUsed     string
	lastTool      string
	outcome       *Outcome
	logger        *zap.Logger

	listeners []func(from, to AgentState, snap StateSnapshot)
}

// NewStateMachine creates a state machine starting in Idle. maxSteps is the
// spec's max_steps limit (0 = unlimited; DefaultAgentLoopConfig sets
// AgentLoopConfig.MaxSteps to 100).
func NewStateMachine(maxSteps int, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		state:     StateIdle,
		maxSteps:  maxSteps,
		startTime: time.Now(),
		logger:    logger,
	}
}

func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:         sm.state,
		Step:          sm.step,
		MaxSteps:      sm.maxSteps,
		TokensUsed:    sm.tokensUsed,
		ToolsExecuted: sm.toolsExecuted,
		RetryCount:    sm.retryCount,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		ModelUsed:     sm.modelUsed,
		LastTool:      sm.lastTool,
		Outcome:       sm.outcome,
	}
}

// Transition attempts to move to a new state. Returns error if the
// transition is not allowed by validTransitions.
func (sm *StateMachine) Transition(to AgentState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s → %s", from, to)
		if sm.logger != nil {
			sm.logger.Error("State machine violation", zap.Error(err))
		}
		return err
	}

	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to AgentState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	if sm.logger != nil {
		sm.logger.Debug("State transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("step", snap.Step),
		)
	}

	for _, fn := range listeners {
		fn(from, to, snap)
	}

	return nil
}

// Finish transitions to Terminal carrying outcome, recording it on the
// snapshot so listeners (and the caller's AgentResult) can read it back.
func (sm *StateMachine) Finish(outcome Outcome) error {
	sm.mu.Lock()
	sm.outcome = &outcome
	sm.mu.Unlock()
	return sm.Transition(StateTerminal)
}

func (sm *StateMachine) OnTransition(fn func(from, to AgentState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// --- Mutation helpers (all thread-safe) ---

func (sm *StateMachine) SetStep(step int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.step = step
}

func (sm *StateMachine) AddTokens(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

func (sm *StateMachine) RecordRetry() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount++
}

func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

func (sm *StateMachine) SetModel(model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.modelUsed = model
}

// IsTerminal returns true if the state machine reached Terminal.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state == StateTerminal
}

// Outcome returns the terminal outcome, or nil if not yet terminal.
func (sm *StateMachine) Outcome() *Outcome {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.outcome
}
