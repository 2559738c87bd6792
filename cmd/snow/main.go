// Command snow is the engine core's entry point: it wires providers, the
// tool registry, the scheduler's approval path, sessions, sub-agents, and
// the SSE transport together, then either serves them over HTTP (--serve)
// or drives one REPL-style chat loop against stdin/stdout. Grounded in the
// teacher's own main.go wiring shape (load config, open services, register
// tools, hand off to the UI loop), with the bubbletea TUI replaced by the
// spec's headless SSE surface and a plain-text REPL for local use.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xonecas/snowcore/internal/agentloop"
	"github.com/xonecas/snowcore/internal/approval"
	"github.com/xonecas/snowcore/internal/config"
	"github.com/xonecas/snowcore/internal/hooks"
	"github.com/xonecas/snowcore/internal/mcppool"
	"github.com/xonecas/snowcore/internal/metrics"
	"github.com/xonecas/snowcore/internal/provider"
	"github.com/xonecas/snowcore/internal/session"
	"github.com/xonecas/snowcore/internal/shell"
	"github.com/xonecas/snowcore/internal/sse"
	"github.com/xonecas/snowcore/internal/store"
	"github.com/xonecas/snowcore/internal/subagent"
	"github.com/xonecas/snowcore/internal/termctl"
	"github.com/xonecas/snowcore/internal/toolregistry"
	"github.com/xonecas/snowcore/internal/tools"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set up logging: %v\n", err)
	}

	var (
		yolo        bool
		serve       bool
		serveAddr   string
		metricsAddr string
		projectID   string
		sessionID   string
	)

	root := &cobra.Command{
		Use:   "snow",
		Short: "A provider-agnostic coding assistant engine core.",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := buildEngine(yolo, metricsAddr)
			if err != nil {
				return err
			}
			defer cleanup()

			if serve {
				return runServe(eng, serveAddr)
			}
			return runChat(eng, projectID, sessionID)
		},
	}

	root.Flags().BoolVar(&yolo, "yolo", false, "skip confirmation prompts for non-sensitive tool calls")
	root.Flags().BoolVar(&serve, "serve", false, "run the SSE transport instead of a local REPL")
	root.Flags().StringVar(&serveAddr, "addr", ":8787", "address to serve on, with --serve")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (empty disables)")
	root.Flags().StringVar(&projectID, "project", "", "project id for REPL sessions (defaults to the working directory)")
	root.Flags().StringVar(&sessionID, "session", "", "resume an existing session by id, REPL mode only")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dir, err := config.EnsureDataDir()
	if err != nil {
		return err
	}
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	//nolint:gosec // G304: fixed, non-user-controlled path under the data dir
	file, err := os.OpenFile(filepath.Join(logDir, "snow.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}

func configPath() string {
	if dir, err := config.DataDir(); err == nil {
		return filepath.Join(dir, "config.json")
	}
	return filepath.Join(".", "config.json")
}

// loadJSON reads and decodes a JSON file rooted under the data directory,
// leaving out the equivalent of its own error type: a missing file is the
// normal case on first run, so callers treat it as "use the zero value".
func loadJSON(path string, v any) error {
	//nolint:gosec // G304: path is built from the trusted data directory
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// buildEngine loads config/credentials and wires every package into a
// running Engine. cleanup releases the provider, MCP pool, and web cache.
func buildEngine(yolo bool, metricsAddr string) (*Engine, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = creds.GetAPIKey("primary")
	}

	registry := provider.NewRegistry()
	registry.RegisterFactory("primary", provider.NewZenFactory("primary", apiKey, cfg.BaseURL))
	prov, err := registry.Create("primary", cfg.AdvancedModel, provider.Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens})
	if err != nil {
		return nil, nil, fmt.Errorf("create provider: %w", err)
	}

	basicModel := cfg.BasicModel
	if basicModel == "" {
		basicModel = cfg.AdvancedModel
	}
	basicProv, err := registry.Create("primary", basicModel, provider.Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens})
	if err != nil {
		return nil, nil, fmt.Errorf("create basic-tier provider: %w", err)
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return nil, nil, fmt.Errorf("data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, reg)
	}

	pool := mcppool.New()
	pool.Configure(loadMCPServices(dataDir))

	toolReg := toolregistry.New(pool)
	toolReg.SetResultTokenLimit(cfg.ToolResultTokenLimit)

	fileTracker := tools.NewFileReadTracker()
	readHandler := tools.NewReadHandler(fileTracker)
	toolReg.RegisterBuiltin(tools.NewReadTool(), readHandler.Handle)

	editHandler := tools.NewEditHandler(fileTracker)
	toolReg.RegisterBuiltin(tools.NewEditTool(), editHandler.Handle)

	editSearchHandler := tools.NewEditSearchHandler(fileTracker, cfg.EditSimilarityThreshold)
	toolReg.RegisterBuiltin(tools.NewEditSearchTool(), editSearchHandler.Handle)

	toolReg.RegisterBuiltin(tools.NewGrepTool(), tools.MakeGrepHandler())
	toolReg.RegisterBuiltin(tools.NewGitStatusTool(), tools.MakeGitStatusHandler())
	toolReg.RegisterBuiltin(tools.NewGitDiffTool(), tools.MakeGitDiffHandler())
	toolReg.RegisterBuiltin(tools.NewAskUserTool(), tools.MakeAskUserHandler())

	webCache := openWebCache(dataDir)
	toolReg.RegisterBuiltin(tools.NewWebFetchTool(), tools.MakeWebFetchHandler(webCache))
	exaKey := creds.GetAPIKey("exa_ai")
	toolReg.RegisterBuiltin(tools.NewWebSearchTool(), tools.MakeWebSearchHandler(webCache, exaKey, ""))

	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := tools.NewShellHandler(sh)
	toolReg.RegisterBuiltin(tools.NewShellTool(), shellHandler.Handle)

	todos := tools.NewTodoList(filepath.Join(dataDir, "todos", "default.json"))
	toolReg.RegisterBuiltin(tools.NewTodoWriteTool(), tools.MakeTodoWriteHandler(todos))

	sensitivePath := filepath.Join(dataDir, "sensitive-commands.json")
	patterns, err := approval.LoadSensitivePatterns(sensitivePath)
	if err != nil {
		log.Warn().Err(err).Msg("snow: failed to load sensitive-commands.json, using defaults")
		patterns = approval.DefaultSensitivePatterns
	}
	classifier := approval.NewClassifier(patterns)

	hookPipeline := loadHooks(dataDir)
	hookPipeline.Responder = makeBasicResponder(basicProv)

	sessions := session.New(dataDir)
	snapshots := session.NewSnapshots(dataDir)

	tracker := subagent.NewTracker()
	toolReg.RegisterBuiltin(subagent.NewSendMessageTool(), subagent.MakeSendMessageHandler(tracker))

	agentDefs := loadAgents(dataDir)
	subApprover := approval.New(nil, classifier, subAgentConfirm, yolo, nil)
	runner := &agentloop.SubAgentRunner{Provider: prov, Registry: toolReg, Hooks: hookPipeline, Approver: subApprover}
	runtime := subagent.NewRuntime(tracker, runner, agentDefs, onSubAgentCompleteHook(hookPipeline))
	for _, a := range agentDefs {
		toolReg.RegisterBuiltin(agentSpawnTool(a), runtime.Handle(a.ID, toolReg.ListTools()))
	}

	eng := &Engine{
		cfg:           cfg,
		provider:      prov,
		basicProvider: basicProv,
		registry:      toolReg,
		pool:          pool,
		hooks:         hookPipeline,
		classifier:    classifier,
		sessions:      sessions,
		snapshots:     snapshots,
		tracker:       tracker,
		runtime:       runtime,
		agents:        agentDefs,
		todos:         todos,
		metrics:       m,
		yolo:          yolo,
		dataDir:       dataDir,
		escWatcher:    termctl.New(),
	}

	// Keep the tool catalog fresh so external MCP services registered via
	// pool.Configure actually show up in ListTools/dispatch (§4.C/§4.D):
	// once at startup, then opportunistically per-turn via RefreshIfStale
	// (see Engine.chat).
	toolReg.Refresh(context.Background(), configHashFor(dataDir))

	stopSweep := pool.StartSweeper(mcppool.DefaultIdleTimeout)

	cleanup := func() {
		stopSweep()
		_ = prov.Close()
		_ = basicProv.Close()
		pool.Close()
		if webCache != nil {
			_ = webCache.Close()
		}
	}

	return eng, cleanup, nil
}

// configHashFor hashes the on-disk MCP service and sub-agent configuration
// so the registry can tell when it needs a fresh RefreshCatalog pass rather
// than just falling back to its 5-minute staleness timer.
func configHashFor(dataDir string) string {
	h := sha256.New()
	for _, name := range []string{"mcp-services.json", "agents.json"} {
		b, _ := os.ReadFile(filepath.Join(dataDir, name))
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// onSubAgentCompleteHook adapts the configured onSubAgentComplete hook
// entries into subagent.OnCompleteHook: a non-empty inject asks the
// sub-agent to run one more round with that text as its new prompt; an
// abort, or no inject, lets the sub-agent return without another round.
func onSubAgentCompleteHook(pipeline *hooks.Pipeline) subagent.OnCompleteHook {
	return func(ctx context.Context, finalText string, usage map[string]int) (string, bool) {
		res := pipeline.Run(ctx, hooks.Event{Kind: hooks.KindOnSubAgentComplete, FinalText: finalText, Usage: usage})
		if res.Outcome == hooks.OutcomeAbort {
			return "", false
		}
		if res.Inject != "" {
			return res.Inject, true
		}
		return "", false
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("snow: metrics server failed")
	}
}

func loadMCPServices(dataDir string) []mcppool.ServiceDescriptor {
	var services []mcppool.ServiceDescriptor
	if err := loadJSON(filepath.Join(dataDir, "mcp-services.json"), &services); err != nil {
		log.Info().Msg("snow: no mcp-services.json, running with no external MCP services")
		return nil
	}
	return services
}

func loadAgents(dataDir string) []subagent.Agent {
	var agents []subagent.Agent
	_ = loadJSON(filepath.Join(dataDir, "agents.json"), &agents)
	return agents
}

func loadHooks(dataDir string) *hooks.Pipeline {
	var raw map[string][]hookEntryConfig
	if err := loadJSON(filepath.Join(dataDir, "hooks.json"), &raw); err != nil {
		return hooks.New(nil)
	}
	entries := make(map[hooks.Kind][]hooks.Entry, len(raw))
	for k, cfgs := range raw {
		list := make([]hooks.Entry, 0, len(cfgs))
		for _, c := range cfgs {
			list = append(list, hooks.Entry{Command: c.Command, Prompt: c.Prompt, Timeout: time.Duration(c.TimeoutSeconds) * time.Second})
		}
		entries[hooks.Kind(k)] = list
	}
	return hooks.New(entries)
}

type hookEntryConfig struct {
	Command        string `json:"command,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// makeBasicResponder answers declarative prompt hooks via the basic-tier
// model: a single-shot, non-streaming, tool-free call.
func makeBasicResponder(basicProv provider.Provider) hooks.PromptResponder {
	return func(ctx context.Context, ev hooks.Event, template string) (string, bool, error) {
		events, err := basicProv.ChatStream(ctx, []provider.Message{
			{Role: "system", Content: template, CreatedAt: time.Now()},
			{Role: "user", Content: fmt.Sprintf("Tool: %s\nArguments: %s", ev.ToolName, string(ev.Arguments)), CreatedAt: time.Now()},
		}, nil)
		if err != nil {
			return "", false, err
		}
		var text strings.Builder
		for e := range events {
			if e.Type == provider.EventContentDelta {
				text.WriteString(e.Content)
			}
			if e.Type == provider.EventError {
				return "", false, e.Err
			}
		}
		reply := strings.TrimSpace(text.String())
		abort := strings.HasPrefix(strings.ToLower(reply), "abort")
		return reply, abort, nil
	}
}

func openWebCache(dataDir string) *store.Cache {
	cache, err := store.Open(filepath.Join(dataDir, "cache.db"), 24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("snow: web cache open failed, running without it")
		return nil
	}
	return cache
}

// runServe starts the SSE transport and blocks until the process exits.
func runServe(eng *Engine, addr string) error {
	hub := sse.NewHub()
	srv := sse.NewServer(hub, eng, nil)
	eng.hub = hub
	log.Info().Str("addr", addr).Msg("snow: serving SSE transport")
	return http.ListenAndServe(addr, srv)
}

// runChat drives a single local REPL session against stdin/stdout, the
// headless equivalent of the teacher's bubbletea TUI loop.
func runChat(eng *Engine, projectID, sessionID string) error {
	ctx := context.Background()
	if projectID == "" {
		if cwd, err := os.Getwd(); err == nil {
			projectID = cwd
		} else {
			projectID = "default"
		}
	}

	var sess *session.Session
	var err error
	if sessionID != "" {
		sess, err = eng.LoadSession(ctx, projectID, sessionID)
	} else {
		sess, err = eng.CreateSession(ctx, projectID, "REPL session")
	}
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	fmt.Printf("session %s (project %s) — Ctrl-D to exit\n", sess.ID, sess.ProjectID)

	conn := newCLIConnection()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := eng.chat(ctx, conn, sess, line, nil); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return nil
}
