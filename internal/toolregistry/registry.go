// Package toolregistry holds the catalog of callable tools (built-in and
// external) and dispatches calls to the right handler, mirroring the
// teacher's mcp.Proxy local-first-then-upstream routing but generalized to
// many named external services instead of one upstream.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/snowcore/internal/mcp"
	"github.com/xonecas/snowcore/internal/mcppool"
)

// DefaultToolResultTokenLimit bounds a single tool result before the model
// is told to retry with narrower parameters (spec §4.D.7).
const DefaultToolResultTokenLimit = 100_000

// whitelistedJSONFields are the argument names allowed to arrive as a
// JSON-encoded string and be parsed back into an array/object. Kept strict
// per the spec's open question: widening this risks misparsing legitimate
// string values that merely look like JSON.
var whitelistedJSONFields = map[string]bool{
	"filePath": true,
	"files":    true,
	"paths":    true,
}

// ErrUserInteractionNeeded is a distinguished signal raised by the
// askuser-ask_question tool instead of a normal result; the agent loop's
// tool executor catches it and defers to the UI callback.
type ErrUserInteractionNeeded struct {
	Question string
	Options  []string
}

func (e *ErrUserInteractionNeeded) Error() string {
	return fmt.Sprintf("user interaction needed: %s", e.Question)
}

// ErrResultTooLarge is returned when a tool's result exceeds the configured
// token ceiling.
type ErrResultTooLarge struct {
	Tool      string
	Estimated int
	Limit     int
}

func (e *ErrResultTooLarge) Error() string {
	return fmt.Sprintf("tool %s result too large (~%d tokens, limit %d); retry with narrower parameters", e.Tool, e.Estimated, e.Limit)
}

// EstimateTokens is the model-agnostic character-weighted estimate used
// uniformly across the registry and the context compressor, per the spec's
// open question on token-limit units.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// ServiceInfo summarizes one external service for catalog consumers (e.g.
// the SSE transport's agent/service listing).
type ServiceInfo struct {
	Name      string
	Connected bool
	Error     string
}

// Registry holds built-in tools plus the catalog of external tools served
// through the MCP pool, refreshed on a TTL or an explicit config change.
type Registry struct {
	mu sync.RWMutex

	pool *mcppool.Pool

	builtins        map[string]mcp.Tool
	builtinHandlers map[string]mcp.ToolHandler

	externalTools    []mcp.Tool
	externalServices map[string]ServiceInfo
	externalNames    []string // sorted longest-first for prefix matching

	lastUpdate      time.Time
	configHash      string
	tokenResultCeil int
}

// New builds a registry backed by the given pool. Call RegisterBuiltin for
// each compiled-in tool before first use.
func New(pool *mcppool.Pool) *Registry {
	return &Registry{
		pool:             pool,
		builtins:         make(map[string]mcp.Tool),
		builtinHandlers:  make(map[string]mcp.ToolHandler),
		externalServices: make(map[string]ServiceInfo),
		tokenResultCeil:  DefaultToolResultTokenLimit,
	}
}

// SetResultTokenLimit overrides the default per-result token ceiling.
func (r *Registry) SetResultTokenLimit(n int) {
	if n <= 0 {
		n = DefaultToolResultTokenLimit
	}
	r.mu.Lock()
	r.tokenResultCeil = n
	r.mu.Unlock()
}

// RegisterBuiltin compiles a built-in tool (and its handler) into the
// registry. Built-in tools are never disconnected and always take
// precedence over an external tool of the same name.
func (r *Registry) RegisterBuiltin(tool mcp.Tool, handler mcp.ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[tool.Name] = tool
	r.builtinHandlers[tool.Name] = handler
}

// RefreshIfStale re-probes the external catalog when configHash changed or
// five minutes have elapsed since the last refresh, mirroring the spec's
// cache-invalidation rule.
func (r *Registry) RefreshIfStale(ctx context.Context, configHash string) {
	r.mu.RLock()
	stale := configHash != r.configHash || time.Since(r.lastUpdate) > 5*time.Minute
	r.mu.RUnlock()
	if !stale {
		return
	}
	r.Refresh(ctx, configHash)
}

// Refresh unconditionally re-probes every configured external service.
func (r *Registry) Refresh(ctx context.Context, configHash string) {
	statuses := r.pool.RefreshCatalog(ctx)

	var tools []mcp.Tool
	services := make(map[string]ServiceInfo, len(statuses))
	names := make([]string, 0, len(statuses))
	for name, st := range statuses {
		services[name] = ServiceInfo{Name: name, Connected: st.Connected, Error: st.Error}
		if st.Connected {
			tools = append(tools, st.Tools...)
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	r.mu.Lock()
	r.externalTools = tools
	r.externalServices = services
	r.externalNames = names
	r.configHash = configHash
	r.lastUpdate = time.Now()
	r.mu.Unlock()
}

// ListTools returns the full advertised catalog: built-ins plus connected
// external tools. Readers observe a stable snapshot (copy-on-refresh).
func (r *Registry) ListTools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.builtins)+len(r.externalTools))
	for _, t := range r.builtins {
		out = append(out, t)
	}
	out = append(out, r.externalTools...)
	return out
}

// Services returns per-service connectivity for UI/catalog consumers.
func (r *Registry) Services() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.externalServices))
	for _, s := range r.externalServices {
		out = append(out, s)
	}
	return out
}

var jsonLikeRe = regexp.MustCompile(`^\s*[\[{]`)

// NormalizeArguments parses whitelisted fields that arrived as JSON-encoded
// strings back into their structured form; unknown fields pass through
// unchanged.
func NormalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw, nil // not an object; leave as-is
	}
	changed := false
	for field := range m {
		if !whitelistedJSONFields[field] {
			continue
		}
		var s string
		if err := json.Unmarshal(m[field], &s); err != nil {
			continue // not a string, nothing to normalize
		}
		if !jsonLikeRe.MatchString(s) {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			continue
		}
		reencoded, err := json.Marshal(parsed)
		if err != nil {
			continue
		}
		m[field] = reencoded
		changed = true
	}
	if !changed {
		return raw, nil
	}
	return json.Marshal(m)
}

// splitService finds the longest-match configured external service name
// that prefixes the tool name (service-operation), per the spec's dispatch
// rule. Returns ok=false if no external service matches (built-in or
// unknown).
func (r *Registry) splitService(name string) (service, operation string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, svc := range r.externalNames {
		prefix := svc + "-"
		if strings.HasPrefix(name, prefix) {
			return svc, strings.TrimPrefix(name, prefix), true
		}
	}
	return "", "", false
}

// Call dispatches one tool call: normalizes arguments, routes to a
// built-in handler or the pooled external client, and enforces the
// per-result token ceiling. Hook invocation (before/after) is the caller's
// responsibility (internal/hooks), run around this call.
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error) {
	normalized, err := NormalizeArguments(arguments)
	if err != nil {
		return nil, fmt.Errorf("toolregistry: normalize arguments for %s: %w", name, err)
	}

	r.mu.RLock()
	handler, isBuiltin := r.builtinHandlers[name]
	ceiling := r.tokenResultCeil
	r.mu.RUnlock()

	var result *mcp.ToolResult
	if isBuiltin {
		result, err = handler(ctx, normalized)
	} else if service, op, ok := r.splitService(name); ok {
		result, err = r.pool.CallTool(ctx, service, op, normalized)
	} else {
		return nil, fmt.Errorf("toolregistry: unknown tool %q", name)
	}
	if err != nil {
		return nil, err
	}

	estimated := 0
	for _, block := range result.Content {
		estimated += EstimateTokens(block.Text)
	}
	if estimated > ceiling {
		log.Warn().Str("tool", name).Int("estimated_tokens", estimated).Msg("toolregistry: result exceeds token ceiling")
		return nil, &ErrResultTooLarge{Tool: name, Estimated: estimated, Limit: ceiling}
	}
	return result, nil
}

// HasBuiltin reports whether name is a compiled-in tool.
func (r *Registry) HasBuiltin(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builtinHandlers[name]
	return ok
}
