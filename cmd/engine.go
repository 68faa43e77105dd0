package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/whale-sh/whale/internal/agent"
	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/loopdetect"
	"github.com/whale-sh/whale/internal/lsp"
	"github.com/whale-sh/whale/internal/providers"
	"github.com/whale-sh/whale/internal/sandbox"
	"github.com/whale-sh/whale/internal/store"
	"github.com/whale-sh/whale/internal/store/debuglog"
	"github.com/whale-sh/whale/internal/store/file"
	"github.com/whale-sh/whale/internal/store/filehistory"
	"github.com/whale-sh/whale/internal/store/sqlite"
	"github.com/whale-sh/whale/internal/subagent"
	"github.com/whale-sh/whale/internal/tools"
	"github.com/whale-sh/whale/internal/tracing"
)

// engine holds the assembled runtime for one process.
type engine struct {
	cfg      *config.Config
	dataDir  string
	cwd      string
	provider providers.Provider
	registry *tools.Registry
	sessions store.SessionStore
	events   *bus.Bus
	broker   *tools.QuestionBroker
	hooks    *tools.HookRunner
	lspMgr   *lsp.Manager
	watcher  *lsp.Watcher
	debug    *debuglog.Logger

	history        *filehistory.Ring
	stopTracing    func(context.Context) error
	permissionMode string
}

// buildEngine wires provider, stores, tools, and telemetry from config and
// flags.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:            cfg,
		dataDir:        dataDir,
		cwd:            cwd,
		registry:       tools.NewRegistry(),
		events:         bus.New(),
		permissionMode: cfg.PermissionMode,
	}

	e.provider, err = buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	e.sessions, err = buildSessionStore(cfg, dataDir)
	if err != nil {
		return nil, err
	}

	e.stopTracing, err = tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		e.stopTracing = func(context.Context) error { return nil }
	}

	e.hooks = tools.NewHookRunner(cfg.Hooks, cwd)
	e.broker = tools.NewQuestionBroker(e.events)
	e.lspMgr = lsp.NewManager(cfg.LSP)
	if w, err := lsp.NewWatcher(e.lspMgr); err == nil {
		e.watcher = w
		w.Add(cwd)
	}

	e.registerTools(ctx)
	return e, nil
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		opts := []providers.AnthropicOption{
			providers.WithAnthropicModel(cfg.Model),
			providers.WithAnthropicMaxTokens(cfg.MaxTokens),
		}
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		if cfg.FallbackModel != "" {
			opts = append(opts, providers.WithAnthropicFallbackModel(cfg.FallbackModel))
		}
		return providers.NewAnthropicProvider(key, opts...), nil
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		opts := []providers.OpenAIOption{providers.WithOpenAIModel(cfg.Model)}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, providers.WithOpenAIBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return providers.NewOpenAIProvider(key, opts...), nil
	}
	return nil, fmt.Errorf("no API key configured; set WHALE_API_KEY or run `whale login`")
}

func buildSessionStore(cfg *config.Config, dataDir string) (store.SessionStore, error) {
	if cfg.Store.Backend == "sqlite" {
		return sqlite.New(dataDir + "/sessions.db")
	}
	return file.New(config.SessionsDir(dataDir))
}

// registerTools fills the registry with the local, web, interactive, lsp,
// server, and agent tool sets.
func (e *engine) registerTools(ctx context.Context) {
	reg := e.registry
	cwd := e.cwd

	backup := func(path string, content []byte) error {
		if e.history == nil {
			return nil
		}
		return e.history.Backup(path, content)
	}

	local := tools.Meta{Category: tools.CategoryLocal}
	readOnly := tools.Meta{Category: tools.CategoryLocal, ReadOnly: true}

	reg.Register(tools.NewReadFileTool(cwd, false), readOnly)
	reg.Register(tools.NewListDirectoryTool(cwd, false), readOnly)
	reg.Register(tools.NewGlobTool(cwd), readOnly)
	reg.Register(tools.NewGrepSearchTool(cwd), readOnly)
	// Local writes invalidate cached LSP document state directly; the
	// filesystem watcher only covers the workspace root.
	notify := func(path string) { e.lspMgr.NotifyFileChanged(path) }
	reg.Register(tools.NewWriteFileTool(cwd, false, backup).WithNotify(notify), local)
	reg.Register(tools.NewEditFileTool(cwd, false, backup).WithNotify(notify), local)

	var sandboxMgr *sandbox.Manager
	if e.cfg.Tools.SandboxShell == nil || *e.cfg.Tools.SandboxShell {
		sandboxMgr = sandbox.NewManager(config.SandboxDir(e.dataDir), e.dataDir)
	}
	reg.Register(tools.NewExecTool(cwd, time.Duration(e.cfg.ShellTimeout())*time.Second, sandboxMgr), local)

	reg.Register(tools.NewWebFetchTool(e.cfg.Tools.FetchMaxBytes), readOnly)
	reg.Register(tools.NewAskUserTool(e.broker), tools.Meta{Category: tools.CategoryInteractive, ReadOnly: true})

	lsp.RegisterTools(reg, e.lspMgr, cwd)

	subagent.New(e.cfg, e.provider, reg, e.events).Register()

	// Remote tools, best effort: an unreachable endpoint only narrows the
	// tool set.
	if url := e.cfg.Tools.GatewayURL; url != "" {
		e.fetchServerTools(ctx, url, e.cfg.Tools.GatewayToken)
	}
	for name, srv := range e.cfg.MCP {
		if srv.URL == "" {
			slog.Warn("mcp server has no url", "name", name)
			continue
		}
		e.fetchServerTools(ctx, srv.URL, srv.Token)
	}
}

func (e *engine) fetchServerTools(ctx context.Context, url, token string) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	serverTools, err := tools.FetchServerTools(fetchCtx, url, token)
	if err != nil {
		slog.Warn("server tool discovery failed", "url", url, "error", err)
	}
	for _, st := range serverTools {
		e.registry.Register(st, tools.Meta{Category: tools.CategoryServer, RequiresStoreContext: true})
	}
}

// bindSession attaches the per-session stores (edit backups, debug log).
func (e *engine) bindSession(session *store.Session, debugEnabled bool) {
	ring, err := filehistory.New(config.FileHistoryDir(e.dataDir, session.ID))
	if err != nil {
		slog.Warn("file history unavailable", "error", err)
	} else {
		e.history = ring
	}
	if debugEnabled {
		logger, err := debuglog.Open(config.DebugDir(e.dataDir), session.ID)
		if err != nil {
			slog.Warn("debug log unavailable", "error", err)
		} else {
			e.debug = logger
		}
	}
}

// newLoop builds a turn loop for one session under the given permission
// mode, publishing to the engine bus.
func (e *engine) newLoop(session *store.Session, mode string, confirm tools.ConfirmFunc) *agent.Loop {
	return e.newLoopWith(session, mode, confirm, e.events)
}

// newLoopWith is newLoop with an explicit publisher, for transports that
// scope events to one connection.
func (e *engine) newLoopWith(session *store.Session, mode string, confirm tools.ConfirmFunc, pub bus.Publisher) *agent.Loop {
	detector := loopdetect.New()
	dispatcher := tools.NewDispatcher(tools.DispatcherConfig{
		Registry:   e.registry,
		Detector:   detector,
		Hooks:      e.hooks,
		Publisher:  pub,
		Mode:       mode,
		Allowed:    tools.ExpandToolSpec(e.cfg.Tools.Allowed),
		Disallowed: tools.ExpandToolSpec(e.cfg.Tools.Disallowed),
		Confirm:    confirm,
		HasStore:   e.cfg.Tools.GatewayURL != "" || len(e.cfg.MCP) > 0,
	})
	return agent.NewLoop(agent.LoopConfig{
		Config:       e.cfg,
		Provider:     e.provider,
		Dispatcher:   dispatcher,
		Detector:     detector,
		Publisher:    pub,
		Sessions:     e.sessions,
		Session:      session,
		Hooks:        e.hooks,
		Debug:        e.debug,
		SystemPrompt: e.systemPrompt(),
	})
}

func (e *engine) systemPrompt() string {
	return fmt.Sprintf(`You are whale, a coding agent running in a terminal.

Working directory: %s

Work directly with the tools available to you. Read files before editing
them. Prefer small verifiable steps; after changing code, re-read the
changed region to confirm the edit landed. When a task decomposes into
independent investigations, use spawn_subagent or spawn_team. Use the lsp_*
tools for code navigation instead of guessing. Report results concisely.`, e.cwd)
}

// close releases process-wide resources.
func (e *engine) close() {
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.lspMgr.Shutdown()
	if e.debug != nil {
		e.debug.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.stopTracing(ctx)
	e.events.Destroy()
}
