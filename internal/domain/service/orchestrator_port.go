package service

import (
	"context"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cancel"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// ToolBatchResult is one tool call's outcome from a ToolOrchestrator batch,
// in the same order the calls were submitted (§5: "tool results emitted in
// call order regardless of completion order").
type ToolBatchResult struct {
	Call           entity.ToolCallInfo
	Output         string
	Display        string
	Success        bool
	Duration       time.Duration
	Blocked        bool   // pre-hook veto or denied permission
	BlockedReason  string
	NeedsUserInput bool // the call required an interactive round-trip with no consumer installed
}

// ToolOrchestrator executes every tool call requested by one assistant turn
// through the three-phase pipeline (pre-hook -> execute -> post-hook),
// honoring each tool's declared capabilities (domain/tool.Capabilities):
// permission gating, parallel-safety, and per-tool timeouts. Implemented by
// internal/infrastructure/orchestrator; the execution loop depends only on
// this port so it stays decoupled from the concrete hook/permission/
// background-task wiring.
type ToolOrchestrator interface {
	ExecuteBatch(ctx context.Context, scope *cancel.Scope, sessionID string, calls []entity.ToolCallInfo) []ToolBatchResult
}
