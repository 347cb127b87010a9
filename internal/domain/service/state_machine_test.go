package service

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestNewStateMachine(t *testing.T) {
	sm := NewStateMachine(10, testLogger())
	if sm.State() != StateIdle {
		t.Errorf("expected initial state Idle, got %s", sm.State())
	}
	if sm.IsTerminal() {
		t.Error("new state machine should not be terminal")
	}
	snap := sm.Snapshot()
	if snap.MaxSteps != 10 {
		t.Errorf("expected MaxSteps=10, got %d", snap.MaxSteps)
	}
}

func TestTransition_ValidPaths(t *testing.T) {
	tests := []struct {
		name string
		path []AgentState
	}{
		{
			name: "preparing -> awaiting_model -> stepping -> preparing -> awaiting_model -> terminal",
			path: []AgentState{StatePreparing, StateAwaitingModel, StateStepping, StatePreparing, StateAwaitingModel, StateTerminal},
		},
		{
			name: "preparing -> awaiting_model -> processing_tool_calls -> stepping -> terminal",
			path: []AgentState{StatePreparing, StateAwaitingModel, StateProcessingToolCalls, StateStepping, StateTerminal},
		},
		{
			name: "preparing -> compacting -> awaiting_model -> terminal",
			path: []AgentState{StatePreparing, StateCompacting, StateAwaitingModel, StateTerminal},
		},
		{
			name: "preparing -> awaiting_model -> retrying -> awaiting_model -> terminal",
			path: []AgentState{StatePreparing, StateAwaitingModel, StateRetrying, StateAwaitingModel, StateTerminal},
		},
		{
			name: "preparing -> awaiting_model -> terminal (failed)",
			path: []AgentState{StatePreparing, StateAwaitingModel, StateTerminal},
		},
		{
			name: "preparing -> terminal (interrupted)",
			path: []AgentState{StatePreparing, StateTerminal},
		},
		{
			name: "awaiting_model -> awaiting_user_input -> processing_tool_calls -> stepping -> terminal",
			path: []AgentState{StatePreparing, StateAwaitingModel, StateAwaitingUserInput, StateProcessingToolCalls, StateStepping, StateTerminal},
		},
		{
			name: "processing_tool_calls -> awaiting_user_input -> terminal (gated tool call needs input)",
			path: []AgentState{StatePreparing, StateAwaitingModel, StateProcessingToolCalls, StateAwaitingUserInput, StateTerminal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine(25, testLogger())
			for _, state := range tt.path {
				if err := sm.Transition(state); err != nil {
					t.Fatalf("failed transition to %s: %v", state, err)
				}
			}
			last := tt.path[len(tt.path)-1]
			if sm.State() != last {
				t.Errorf("expected state %s, got %s", last, sm.State())
			}
		})
	}
}

func TestTransition_InvalidPaths(t *testing.T) {
	tests := []struct {
		name string
		from AgentState
		to   AgentState
	}{
		{"idle -> terminal", StateIdle, StateTerminal},
		{"idle -> processing_tool_calls", StateIdle, StateProcessingToolCalls},
		{"idle -> awaiting_model", StateIdle, StateAwaitingModel},
		{"preparing -> processing_tool_calls", StatePreparing, StateProcessingToolCalls},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine(10, testLogger())
			if tt.from == StatePreparing {
				_ = sm.Transition(StatePreparing)
			}
			err := sm.Transition(tt.to)
			if err == nil {
				t.Errorf("expected error for %s -> %s, got nil", tt.from, tt.to)
			}
		})
	}

	t.Run("terminal is a dead end", func(t *testing.T) {
		sm := NewStateMachine(10, testLogger())
		_ = sm.Transition(StatePreparing)
		_ = sm.Finish(Outcome{Kind: OutcomeSuccess})
		if err := sm.Transition(StatePreparing); err == nil {
			t.Error("expected error transitioning out of Terminal")
		}
	})
}

func TestIsTerminal(t *testing.T) {
	sm := NewStateMachine(10, testLogger())
	if sm.IsTerminal() {
		t.Error("new machine should not be terminal")
	}
	_ = sm.Transition(StatePreparing)
	_ = sm.Transition(StateAwaitingModel)
	if sm.IsTerminal() {
		t.Error("awaiting_model should not be terminal")
	}
	if err := sm.Finish(Outcome{Kind: OutcomeMaxStepsReached}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !sm.IsTerminal() {
		t.Error("expected terminal after Finish")
	}
	if sm.Outcome() == nil || sm.Outcome().Kind != OutcomeMaxStepsReached {
		t.Errorf("expected outcome max_steps_reached, got %+v", sm.Outcome())
	}
}

func TestMutationHelpers(t *testing.T) {
	sm := NewStateMachine(10, testLogger())

	sm.SetStep(5)
	sm.AddTokens(1000)
	sm.AddTokens(500)
	sm.RecordToolExec("shell_exec")
	sm.RecordToolExec("file_read")
	sm.RecordRetry()
	sm.RecordError()
	sm.SetModel("gpt-4o")

	snap := sm.Snapshot()
	if snap.Step != 5 {
		t.Errorf("Step: got %d, want 5", snap.Step)
	}
	if snap.TokensUsed != 1500 {
		t.Errorf("TokensUsed: got %d, want 1500", snap.TokensUsed)
	}
	if snap.ToolsExecuted != 2 {
		t.Errorf("ToolsExecuted: got %d, want 2", snap.ToolsExecuted)
	}
	if snap.LastTool != "file_read" {
		t.Errorf("LastTool: got %s, want file_read", snap.LastTool)
	}
	if snap.RetryCount != 1 {
		t.Errorf("RetryCount: got %d, want 1", snap.RetryCount)
	}
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount: got %d, want 1", snap.ErrorCount)
	}
	if snap.ModelUsed != "gpt-4o" {
		t.Errorf("ModelUsed: got %s, want gpt-4o", snap.ModelUsed)
	}
}

func TestOnTransitionListener(t *testing.T) {
	sm := NewStateMachine(10, testLogger())

	var transitions []struct{ from, to AgentState }
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		transitions = append(transitions, struct{ from, to AgentState }{from, to})
	})

	_ = sm.Transition(StatePreparing)
	_ = sm.Transition(StateAwaitingModel)
	_ = sm.Transition(StateProcessingToolCalls)
	_ = sm.Transition(StateStepping)
	_ = sm.Finish(Outcome{Kind: OutcomeSuccess})

	if len(transitions) != 5 {
		t.Fatalf("expected 5 transitions, got %d", len(transitions))
	}
	expected := []struct{ from, to AgentState }{
		{StateIdle, StatePreparing},
		{StatePreparing, StateAwaitingModel},
		{StateAwaitingModel, StateProcessingToolCalls},
		{StateProcessingToolCalls, StateStepping},
		{StateStepping, StateTerminal},
	}
	for i, exp := range expected {
		if transitions[i].from != exp.from || transitions[i].to != exp.to {
			t.Errorf("transition[%d]: got %s -> %s, want %s -> %s",
				i, transitions[i].from, transitions[i].to, exp.from, exp.to)
		}
	}
}

func TestStateMachine_ConcurrentAccess(t *testing.T) {
	sm := NewStateMachine(100, testLogger())
	_ = sm.Transition(StatePreparing)
	_ = sm.Transition(StateAwaitingModel)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sm.State()
			_ = sm.Snapshot()
			_ = sm.IsTerminal()
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sm.AddTokens(100)
			sm.SetStep(n)
			sm.RecordToolExec("test_tool")
		}(i)
	}
	wg.Wait()

	snap := sm.Snapshot()
	if snap.TokensUsed != 2000 {
		t.Errorf("concurrent TokensUsed: got %d, want 2000", snap.TokensUsed)
	}
	if snap.ToolsExecuted != 20 {
		t.Errorf("concurrent ToolsExecuted: got %d, want 20", snap.ToolsExecuted)
	}
}

func TestSnapshot_Isolation(t *testing.T) {
	sm := NewStateMachine(10, testLogger())
	sm.SetStep(3)
	sm.AddTokens(500)

	snap1 := sm.Snapshot()

	sm.SetStep(8)
	sm.AddTokens(1000)

	snap2 := sm.Snapshot()

	if snap1.Step != 3 || snap1.TokensUsed != 500 {
		t.Error("snap1 was mutated after capture")
	}
	if snap2.Step != 8 || snap2.TokensUsed != 1500 {
		t.Errorf("snap2 wrong: step=%d tokens=%d", snap2.Step, snap2.TokensUsed)
	}
}

func TestSnapshot_ElapsedIncreases(t *testing.T) {
	sm := NewStateMachine(10, testLogger())
	snap1 := sm.Snapshot()
	time.Sleep(5 * time.Millisecond)
	snap2 := sm.Snapshot()
	if snap2.Elapsed <= snap1.Elapsed {
		t.Errorf("elapsed should increase: %v <= %v", snap2.Elapsed, snap1.Elapsed)
	}
}
