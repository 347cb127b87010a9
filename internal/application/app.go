package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/background"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cancel"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/checkpoint"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cost"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/inputchannel"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/supervisor"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	infracheckpoint "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/checkpoint"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	infracost "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/cost"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm"
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/orchestrator"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/prompt"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/ratelimit"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/sandbox"
	infrasession "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/session"
	toolpkg "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/tool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the dependency-injection container wiring every layer of the
// single-process coding agent: repositories, domain services, the tool
// registry/executor, the LLM router, and the execution loop with its
// session/cost/checkpoint/orchestrator collaborators.
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 仓储层
	agentRepo   repository.AgentRepository
	messageRepo repository.MessageRepository

	// 领域服务
	agentSelector service.AgentSelector
	messageRouter service.MessageRouter

	// 应用服务
	processMessageUseCase *usecase.ProcessMessageUseCase

	// 基础设施
	toolRegistry domaintool.Registry
	toolExecutor *toolpkg.Executor
	llmRouter    *llm.Router
	mcpManager   *toolpkg.MCPManager
	agentLoop    *service.AgentLoop
	securityHook *service.SecurityHook

	// 执行循环的协作者: 会话存储 / 成本追踪 / 检查点 / 工具编排 / 后台进程 / 监督
	rootScope     *cancel.Scope
	inputChannel  *inputchannel.Channel
	sessionStore  session.Store
	costTracker   *cost.Tracker
	checkpoints   *checkpoint.Manager
	background    *background.Registry
	supervisor    *supervisor.Supervisor
	orchestrator  *orchestrator.Orchestrator

	// Prompt 引擎
	promptEngine *prompt.PromptEngine
}

// NewApp creates the dependency-injection container for the full agent
// process (same wiring NewAppCLI uses, plus default-agent seed data).
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.ngoclaw/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}
	if err := app.seedData(); err != nil {
		return nil, fmt.Errorf("failed to seed data: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for CLI mode.
// Only initializes: DB (silent), Tools, LLM Router, AgentLoop, PromptEngine.
// Skips seed data.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// DB with silent logging (no SQL spam)
	if err := app.initRepositoriesSilent(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	// No seedData — avoid noisy DB writes on every CLI launch
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	// 连接数据库
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	// 初始化 GORM 仓储
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)

	return nil
}

// initRepositoriesSilent initializes repos with silent DB logging (for CLI mode)
func (app *App) initRepositoriesSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	// 代理选择器
	app.agentSelector = service.NewDefaultAgentSelector(app.agentRepo)

	// 消息路由器
	app.messageRouter = service.NewDefaultMessageRouter(app.agentSelector)

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// Tool Registry + Executor
	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".ngoclaw", "skills")

	// Workspace-level skills (project-specific overrides)
	workspaceDir := app.config.Agent.Workspace
	skillsDirs := []string{systemSkillsDir}
	if workspaceDir != "" {
		wsSkillsDir := filepath.Join(workspaceDir, ".ngoclaw", "skills")
		skillsDirs = append(skillsDirs, wsSkillsDir)
	}

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	// Executor (只负责执行，不再负责注册)
	app.toolExecutor = toolpkg.NewExecutor(
		app.toolRegistry,
		&domaintool.Policy{Profile: "full"},
		sbx, nil, app.logger,
	)

	// LLM Router (modular provider factory with failover)
	// NOTE: must be initialized BEFORE RegisterAllTools because sub_agent depends on it.
	app.llmRouter = llm.NewRouter(app.logger, ratelimit.Config{
		RPS:       app.config.Agent.Runtime.RateLimit.RPS,
		BurstSize: app.config.Agent.Runtime.RateLimit.BurstSize,
	})
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM Router initialized",
		zap.Int("providers", len(app.config.Agent.Providers)),
	)

	// MCP Manager (hot-pluggable, reads ~/.ngoclaw/mcp.json)
	homeDir, _ = os.UserHomeDir()
	mcpConfigPath := filepath.Join(homeDir, ".ngoclaw", "mcp.json")
	app.mcpManager = toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	// ── Unified Tool Registration (single entry point) ──
	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 25
	}
	// Pick first available provider for research LLM summarization
	var researchURL, researchKey, researchModel string
	if len(app.config.Agent.Providers) > 0 {
		p := app.config.Agent.Providers[0]
		researchURL = p.BaseURL
		researchKey = p.APIKey
		if len(p.Models) > 0 {
			// Strip provider prefix (e.g. "bailian/qwen3-coder-plus" -> "qwen3-coder-plus")
			model := p.Models[0]
			if idx := strings.Index(model, "/"); idx >= 0 {
				model = model[idx+1:]
			}
			researchModel = model
		}
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:         app.toolRegistry,
		Sandbox:          sbx,
		SkillExec:        nil,
		PythonEnv:        app.config.PythonEnv,
		SkillsDir:        systemSkillsDir,
		ResearchLLMURL:   researchURL,
		ResearchLLMKey:   researchKey,
		ResearchLLMModel: researchModel,
		Workspace:        app.config.Agent.Workspace,
		MCPManager:       app.mcpManager,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			ToolExecutor: &toolBridge{registry: app.toolRegistry},
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})

	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

// agentStateDir is where the execution loop's durable collaborators
// (session transcripts, checkpoint blobs, background shell scratch) live,
// scoped under the active workspace so each project gets its own history.
func (app *App) agentStateDir() string {
	root := app.config.Agent.Workspace
	if root == "" {
		root, _ = os.Getwd()
	}
	return filepath.Join(root, ".ngoclaw", "state")
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// ProcessMessageUseCase (legacy HTTP/REPL path — uses llmRouter directly)
	app.processMessageUseCase = usecase.NewProcessMessageUseCase(
		app.messageRepo,
		app.messageRouter,
		app.llmRouter,
		app.logger,
	)

	// Agent Loop (ReAct Engine) — uses LLM Router + Tool Bridge
	loopTools := &toolBridge{registry: app.toolRegistry}

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel
	if app.config.Agent.MaxIterations > 0 {
		loopCfg.MaxSteps = app.config.Agent.MaxIterations
	}

	// Bridge per-model policy overrides from config.yaml
	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			override := &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
			loopCfg.ModelPolicies[key] = override
		}
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.DoomLoopThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.LoopNameThreshold > 0 {
		loopCfg.LoopNameThreshold = app.config.Agent.Guardrails.LoopNameThreshold
	}

	// Retry config from config.yaml
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}

	// Compaction config from config.yaml
	if app.config.Agent.Compaction.MessageThreshold > 0 {
		loopCfg.CompactThreshold = app.config.Agent.Compaction.MessageThreshold
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}

	app.agentLoop = service.NewAgentLoop(
		app.llmRouter,
		loopTools,
		loopCfg,
		app.logger,
	)
	app.logger.Info("Agent Loop initialized",
		zap.String("model", loopCfg.Model),
	)

	// Create SecurityHook and attach to agent loop. No Telegram/HTTP approval
	// channel in this process — approval routes through inputChannel below.
	app.securityHook = service.NewSecurityHook(
		app.config.Agent.Security,
		nil,
		app.logger,
	)
	app.agentLoop.SetHooks(app.securityHook)

	// Middleware pipeline (data-transformation hooks around LLM calls)
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(
		service.NewDanglingToolCallMiddleware(app.logger),
		// NOTE: MemoryMiddleware intentionally removed.
		// It produced low-quality, unfiltered facts (201 entries in memory.json)
		// that polluted the system prompt and caused context poisoning.
		// Future: agent writes memory via file tools (OpenClaw pattern).
	)
	app.agentLoop.SetMiddleware(mwPipeline)
	app.logger.Info("Middleware pipeline configured",
		zap.Int("middlewares", mwPipeline.Len()),
	)

	if err := app.initExecutionCollaborators(); err != nil {
		return fmt.Errorf("failed to init execution collaborators: %w", err)
	}

	return nil
}

// initExecutionCollaborators wires the execution loop's session store, cost
// tracker, checkpoint manager, and three-phase tool orchestrator into
// app.agentLoop. These are optional collaborators on AgentLoop (nil-checked
// at every call site), so a failure to build one of them degrades that
// feature instead of blocking startup.
func (app *App) initExecutionCollaborators() error {
	stateDir := app.agentStateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	app.rootScope = cancel.NewRoot(context.Background())

	// Session transcript store: JSONL message log per session, indexed in
	// the same GORM DB as everything else.
	sessIndex, err := infrasession.NewIndex(app.db)
	if err != nil {
		app.logger.Warn("Session index init failed, transcripts won't be recorded", zap.Error(err))
	} else {
		store := infrasession.NewFileStore(filepath.Join(stateDir, "sessions"), sessIndex, app.logger)
		app.sessionStore = store
		app.agentLoop.SetSessionStore(store)
	}

	// Cost tracker: GORM-backed usage aggregates, classified against the
	// configured token budget converted to a soft USD ceiling is out of
	// scope here — CostLimitUSD stays 0 (unlimited) until config.yaml grows
	// a dedicated field; the tracker still records spend for inspection.
	costStore, err := infracost.NewGormStore(app.db)
	if err != nil {
		app.logger.Warn("Cost store init failed, spend won't be tracked", zap.Error(err))
	} else {
		app.costTracker = cost.NewTracker(cost.DefaultPricingTable(), cost.Limits{}, costStore)
		app.agentLoop.SetCostTracker(app.costTracker)
	}

	// Checkpoint manager + pre-edit snapshot tracker share one content-
	// addressed blob store: the manager snapshots the whole tree on demand,
	// the tracker snapshots a single file right before a mutator tool runs.
	root := app.config.Agent.Workspace
	if root == "" {
		root, _ = os.Getwd()
	}
	var snapshotTracker *session.Tracker
	cpStorage, err := infracheckpoint.NewGormStorage(app.db)
	if err != nil {
		app.logger.Warn("Checkpoint storage init failed, auto checkpoints disabled", zap.Error(err))
	} else {
		contentStore, csErr := infracheckpoint.NewFileContentStore(filepath.Join(stateDir, "checkpoint-blobs"))
		if csErr != nil {
			app.logger.Warn("Checkpoint content store init failed, auto checkpoints disabled", zap.Error(csErr))
		} else {
			mgr := checkpoint.NewManager(cpStorage, infracheckpoint.NewFSWalker(), contentStore, root, nil, app.logger)
			app.checkpoints = mgr
			app.agentLoop.SetCheckpointManager(mgr)
			snapshotTracker = session.NewTracker(root, contentStore)
		}
	}

	// Input channel: routes tool permission prompts and free-text asks out
	// of the orchestrator; the CLI REPL installs a consumer via Install()/
	// Next() when it starts an interactive run.
	app.inputChannel = inputchannel.New()

	// Background shell registry + supervisor for long-running commands
	// spawned with run_in_background.
	app.background = background.New()
	app.supervisor = supervisor.New(app.logger, time.Now)

	app.orchestrator = orchestrator.New(
		app.toolRegistry,
		app.toolExecutor,
		app.inputChannel,
		snapshotTracker,
		app.background,
		app.supervisor,
		root,
		app.config.Agent.Runtime.ToolTimeout,
		app.logger,
	)
	app.agentLoop.SetOrchestrator(app.orchestrator)

	app.logger.Info("Execution collaborators wired",
		zap.Bool("session_store", app.sessionStore != nil),
		zap.Bool("cost_tracker", app.costTracker != nil),
		zap.Bool("checkpoints", app.checkpoints != nil),
		zap.Bool("orchestrator", app.orchestrator != nil),
	)
	return nil
}

// chatIDKey is a context key for passing chatID to SecurityHook.
type chatIDKey struct{}

// WithChatID stores chatID in the context.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatIDFromContext extracts chatID from the context.
func ChatIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// seedData 初始化默认数据
func (app *App) seedData() error {
	app.logger.Info("Seeding default data")

	ctx := context.Background()

	// 创建默认代理
	defaultAgent, err := entity.NewAgent(
		"default",
		"默认助手",
		valueobject.DefaultModelConfig(),
	)
	if err != nil {
		return fmt.Errorf("failed to create default agent: %w", err)
	}

	// 保存默认代理
	if err := app.agentRepo.Save(ctx, defaultAgent); err != nil {
		return fmt.Errorf("failed to save default agent: %w", err)
	}

	app.logger.Info("Default agent created",
		zap.String("id", defaultAgent.ID()),
		zap.String("name", defaultAgent.Name()),
	)

	return nil
}

// Stop releases the application's resources (database connection, root
// cancellation scope). There is no server lifecycle to manage — this process
// is a single-session coding agent, not a multi-channel gateway.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.rootScope != nil {
		app.rootScope.Cancel(cancel.ReasonShutdown)
	}

	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// ProcessMessageUseCase returns the legacy message processing usecase
func (app *App) ProcessMessageUseCase() *usecase.ProcessMessageUseCase {
	return app.processMessageUseCase
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the agent loop instance (used by the CLI)
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// PromptEngine returns the prompt engine (used by the CLI)
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry (used by the CLI)
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// InputChannel returns the interactive input channel so a frontend (REPL,
// TUI) can Install() itself and answer permission/free-text requests raised
// mid-run by the tool orchestrator.
func (app *App) InputChannel() *inputchannel.Channel {
	return app.inputChannel
}

// RootScope returns the process-lifetime cancellation scope every run's
// per-session scope is a child of.
func (app *App) RootScope() *cancel.Scope {
	return app.rootScope
}
