// Package mcppool manages persistent connections to external Model Context
// Protocol services: one pooled client per service name, opened lazily on
// first use, evicted after an idle timeout, all torn down on shutdown. It
// supersedes the teacher's hand-rolled single-upstream proxy with a
// multi-service pool built on the real MCP SDK.
package mcppool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcpwire "github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/snowcore/internal/mcp"
	"github.com/xonecas/snowcore/internal/retry"
)

// Transport names a service's connection kind.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportHTTP      Transport = "http"
	TransportSSELegacy Transport = "sse-legacy"
)

// ServiceDescriptor is the static configuration of one external MCP service.
type ServiceDescriptor struct {
	Name    string            `json:"name"`
	Transport Transport       `json:"transport"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	// Headers carries extra HTTP headers for the http/sse-legacy transports,
	// with the same ${VAR} expansion as URL. Merged with (but overridden by)
	// the MCP_API_KEY/MCP_AUTH_HEADER-derived header from AuthHeaderFromEnv.
	Headers map[string]string `json:"headers,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// DefaultIdleTimeout matches the spec's 10-minute pool eviction window.
const DefaultIdleTimeout = 10 * time.Minute

// DefaultCallTimeout is applied to a tool call when the service descriptor
// doesn't override it.
const DefaultCallTimeout = 5 * time.Minute

// ServiceStatus reports catalog-refresh health for one service.
type ServiceStatus struct {
	Connected bool
	Error     string
	Tools     []mcp.Tool
}

type pooledClient struct {
	name     string
	client   *mcpsdk.Client
	transport Transport
	lastUsed time.Time
}

// Pool owns zero or more persistent MCP clients, keyed by service name.
type Pool struct {
	mu          sync.Mutex
	clients     map[string]*pooledClient
	services    map[string]ServiceDescriptor
	status      map[string]ServiceStatus
	idleTimeout time.Duration
}

// New builds an empty pool. Call Configure to register service descriptors.
func New() *Pool {
	return &Pool{
		clients:     make(map[string]*pooledClient),
		services:    make(map[string]ServiceDescriptor),
		status:      make(map[string]ServiceStatus),
		idleTimeout: DefaultIdleTimeout,
	}
}

// Configure replaces the set of known external services. Existing open
// clients for services that disappear or get disabled are closed.
func (p *Pool) Configure(services []ServiceDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]ServiceDescriptor, len(services))
	for _, s := range services {
		next[s.Name] = s
	}
	p.services = next

	for name, c := range p.clients {
		s, ok := next[name]
		if !ok || !s.Enabled {
			p.closeLocked(name, c)
		}
	}
}

// Services returns every currently configured service descriptor, enabled
// or disabled.
func (p *Pool) Services() []ServiceDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ServiceDescriptor, 0, len(p.services))
	for _, s := range p.services {
		out = append(out, s)
	}
	return out
}

// Status returns the last-observed connectivity for a service.
func (p *Pool) Status(name string) (ServiceStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.status[name]
	return s, ok
}

func (p *Pool) setStatus(name string, s ServiceStatus) {
	p.mu.Lock()
	p.status[name] = s
	p.mu.Unlock()
}

// getOrOpen is the pool's atomic get-or-dial primitive: callers never race
// on opening the same service twice.
func (p *Pool) getOrOpen(ctx context.Context, name string) (*pooledClient, error) {
	p.mu.Lock()
	if c, ok := p.clients[name]; ok {
		c.lastUsed = time.Now()
		p.mu.Unlock()
		return c, nil
	}
	svc, ok := p.services[name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mcppool: unknown service %q", name)
	}
	if !svc.Enabled {
		return nil, fmt.Errorf("mcppool: service %q is disabled", name)
	}

	c, err := p.dial(ctx, svc)
	if err != nil {
		p.setStatus(name, ServiceStatus{Connected: false, Error: err.Error()})
		return nil, err
	}

	p.mu.Lock()
	p.clients[name] = c
	p.mu.Unlock()
	p.setStatus(name, ServiceStatus{Connected: true})
	return c, nil
}

func (p *Pool) dial(ctx context.Context, svc ServiceDescriptor) (*pooledClient, error) {
	env := mergedEnv(svc.Env)

	switch svc.Transport {
	case TransportStdio:
		args := make([]string, len(svc.Args))
		copy(args, svc.Args)
		envPairs := make([]string, 0, len(env))
		for k, v := range env {
			envPairs = append(envPairs, k+"="+v)
		}
		cl, err := mcpsdk.NewStdioMCPClient(svc.Command, envPairs, args...)
		if err != nil {
			return nil, fmt.Errorf("mcppool: spawn %s: %w", svc.Name, err)
		}
		if err := initialize(ctx, cl); err != nil {
			cl.Close()
			return nil, err
		}
		return &pooledClient{name: svc.Name, client: cl, transport: TransportStdio, lastUsed: time.Now()}, nil

	case TransportHTTP, TransportSSELegacy, "":
		url := expandVars(svc.URL, env)
		headers := headersFor(svc, env)
		cl, err := mcpsdk.NewStreamableHttpClient(url, mcptransport.WithHTTPHeaders(headers))
		if err == nil {
			if ierr := initialize(ctx, cl); ierr == nil {
				return &pooledClient{name: svc.Name, client: cl, transport: TransportHTTP, lastUsed: time.Now()}, nil
			}
			cl.Close()
		}
		// Fall back to legacy SSE transport.
		sseCl, sseErr := mcpsdk.NewSSEMCPClient(url, mcptransport.WithHeaders(headers))
		if sseErr != nil {
			return nil, fmt.Errorf("mcppool: dial %s: http=%v sse=%v", svc.Name, err, sseErr)
		}
		if ierr := initialize(ctx, sseCl); ierr != nil {
			sseCl.Close()
			return nil, fmt.Errorf("mcppool: initialize %s over sse-legacy: %w", svc.Name, ierr)
		}
		return &pooledClient{name: svc.Name, client: sseCl, transport: TransportSSELegacy, lastUsed: time.Now()}, nil

	default:
		return nil, fmt.Errorf("mcppool: unknown transport %q for service %s", svc.Transport, svc.Name)
	}
}

func initialize(ctx context.Context, cl *mcpsdk.Client) error {
	ictx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req := mcpwire.InitializeRequest{}
	req.Params.ProtocolVersion = mcpwire.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpwire.Implementation{Name: "snowcore", Version: "0.1.0"}
	_, err := cl.Initialize(ictx, req)
	return err
}

// CallTool invokes operation on the named service, retrying transient
// failures, and updates lastUsed on success.
func (p *Pool) CallTool(ctx context.Context, service, operation string, arguments json.RawMessage) (*mcp.ToolResult, error) {
	timeout := p.serviceTimeout(service)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := retry.DefaultPolicy("mcppool.call:" + service + "." + operation)
	result, err := retry.Do(cctx, policy, func(ctx context.Context, attempt int) (*mcp.ToolResult, time.Duration, error) {
		c, err := p.getOrOpen(ctx, service)
		if err != nil {
			return nil, 0, retry.Permanent(err)
		}

		var args map[string]any
		if len(arguments) > 0 {
			if uerr := json.Unmarshal(arguments, &args); uerr != nil {
				return nil, 0, retry.Permanent(fmt.Errorf("mcppool: decode arguments: %w", uerr))
			}
		}

		req := mcpwire.CallToolRequest{}
		req.Params.Name = operation
		req.Params.Arguments = args

		res, cerr := c.client.CallTool(ctx, req)
		if cerr != nil {
			p.mu.Lock()
			delete(p.clients, service)
			p.mu.Unlock()
			if d, ok := retry.ParseRetryAfter(cerr); ok {
				return nil, d, cerr
			}
			return nil, 0, cerr
		}
		c.lastUsed = time.Now()
		return toToolResult(res), 0, nil
	})
	if err != nil {
		return nil, retry.Wrap("mcppool.CallTool", 1, err)
	}
	return result, nil
}

func (p *Pool) serviceTimeout(service string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.services[service]; ok && s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultCallTimeout
}

// RefreshCatalog probes every enabled service for its tool list using a
// shorter timeout, disposing the probe connection immediately so a broken
// service doesn't pin a dead client into the pool.
func (p *Pool) RefreshCatalog(ctx context.Context) map[string]ServiceStatus {
	out := make(map[string]ServiceStatus)
	for _, svc := range p.Services() {
		if !svc.Enabled {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := p.dial(pctx, svc)
		if err != nil {
			cancel()
			st := ServiceStatus{Connected: false, Error: err.Error()}
			out[svc.Name] = st
			p.setStatus(svc.Name, st)
			continue
		}
		tools, lerr := c.client.ListTools(pctx, mcpwire.ListToolsRequest{})
		cancel()
		c.client.Close()

		if lerr != nil {
			st := ServiceStatus{Connected: false, Error: lerr.Error()}
			out[svc.Name] = st
			p.setStatus(svc.Name, st)
			continue
		}
		st := ServiceStatus{Connected: true, Tools: toToolList(svc.Name, tools.Tools)}
		out[svc.Name] = st
		p.setStatus(svc.Name, st)
	}
	return out
}

// Sweep closes clients idle longer than the pool's idle timeout. Intended
// to run at each tool dispatch (cheap no-op when nothing is idle) or on a
// background timer.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for name, c := range p.clients {
		if now.Sub(c.lastUsed) > p.idleTimeout {
			log.Info().Str("service", name).Msg("mcppool: evicting idle client")
			p.closeLocked(name, c)
		}
	}
}

// StartSweeper runs Sweep on a ticker until the returned stop func is
// called, enforcing the pool's idle-eviction timeout in a running process
// rather than only when a caller happens to invoke Sweep directly.
func (p *Pool) StartSweeper(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				p.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// Close tears down every open client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.clients {
		p.closeLocked(name, c)
	}
}

func (p *Pool) closeLocked(name string, c *pooledClient) {
	_ = c.client.Close()
	delete(p.clients, name)
}

func toToolResult(res *mcpwire.CallToolResult) *mcp.ToolResult {
	if res == nil {
		return &mcp.ToolResult{}
	}
	out := &mcp.ToolResult{IsError: res.IsError}
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcpwire.TextContent:
			out.Content = append(out.Content, mcp.ContentBlock{Type: "text", Text: c.Text})
		case mcpwire.ImageContent:
			out.Content = append(out.Content, mcp.ContentBlock{Type: "image", Data: c.Data, MimeType: c.MIMEType})
		case mcpwire.EmbeddedResource:
			out.Content = append(out.Content, mcp.ContentBlock{Type: "document", Text: fmt.Sprintf("%v", c.Resource)})
		default:
			b, _ := json.Marshal(content)
			out.Content = append(out.Content, mcp.ContentBlock{Type: "text", Text: string(b)})
		}
	}
	return out
}

func toToolList(service string, tools []mcpwire.Tool) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		out = append(out, mcp.Tool{
			Name:        service + "-" + t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

func mergedEnv(overrides map[string]string) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

var varRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandVars substitutes ${VAR} references in URLs/headers from a merged
// environment map, leaving unresolvable references untouched.
func expandVars(s string, env map[string]string) string {
	return varRefRe.ReplaceAllStringFunc(s, func(match string) string {
		name := varRefRe.FindStringSubmatch(match)[1]
		if v, ok := env[name]; ok {
			return v
		}
		return match
	})
}

// headersFor expands a service's static headers against env and layers the
// MCP_API_KEY/MCP_AUTH_HEADER-derived auth header on top, so a descriptor
// can't accidentally shadow the env-derived credential.
func headersFor(svc ServiceDescriptor, env map[string]string) map[string]string {
	headers := make(map[string]string, len(svc.Headers)+1)
	for k, v := range svc.Headers {
		headers[k] = expandVars(v, env)
	}
	if key, value, ok := AuthHeaderFromEnv(env); ok {
		headers[key] = value
	}
	return headers
}

// AuthHeaderFromEnv resolves the extra HTTP auth header the spec carves out
// specially: MCP_API_KEY becomes a bearer token, MCP_AUTH_HEADER is used
// verbatim.
func AuthHeaderFromEnv(env map[string]string) (key, value string, ok bool) {
	if v, present := env["MCP_API_KEY"]; present && v != "" {
		return "Authorization", "Bearer " + v, true
	}
	if v, present := env["MCP_AUTH_HEADER"]; present && v != "" {
		return "Authorization", v, true
	}
	return "", "", false
}
