package mcppool

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestMergedEnvIncludesOverrides(t *testing.T) {
	os.Setenv("MCPPOOL_TEST_BASE", "base-value")
	defer os.Unsetenv("MCPPOOL_TEST_BASE")

	env := mergedEnv(map[string]string{"MCPPOOL_TEST_BASE": "overridden", "EXTRA": "added"})
	if env["MCPPOOL_TEST_BASE"] != "overridden" {
		t.Errorf("expected override to win, got %q", env["MCPPOOL_TEST_BASE"])
	}
	if env["EXTRA"] != "added" {
		t.Errorf("expected extra override present, got %q", env["EXTRA"])
	}
}

func TestExpandVarsSubstitutesKnownRefs(t *testing.T) {
	env := map[string]string{"HOST": "example.com", "TOKEN": "secret"}
	out := expandVars("https://${HOST}/api?key=${TOKEN}", env)
	if out != "https://example.com/api?key=secret" {
		t.Errorf("unexpected expansion: %q", out)
	}
}

func TestExpandVarsLeavesUnresolvedRefsUntouched(t *testing.T) {
	env := map[string]string{"HOST": "example.com"}
	out := expandVars("https://${HOST}/${MISSING}", env)
	if out != "https://example.com/${MISSING}" {
		t.Errorf("expected unresolved ref preserved verbatim, got %q", out)
	}
}

func TestAuthHeaderFromEnvPrefersAPIKey(t *testing.T) {
	key, value, ok := AuthHeaderFromEnv(map[string]string{
		"MCP_API_KEY":     "abc123",
		"MCP_AUTH_HEADER": "Basic xyz",
	})
	if !ok || key != "Authorization" || value != "Bearer abc123" {
		t.Errorf("expected bearer token from MCP_API_KEY, got key=%q value=%q ok=%v", key, value, ok)
	}
}

func TestAuthHeaderFromEnvFallsBackToAuthHeader(t *testing.T) {
	key, value, ok := AuthHeaderFromEnv(map[string]string{"MCP_AUTH_HEADER": "Basic xyz"})
	if !ok || key != "Authorization" || value != "Basic xyz" {
		t.Errorf("expected verbatim auth header, got key=%q value=%q ok=%v", key, value, ok)
	}
}

func TestAuthHeaderFromEnvNoneConfigured(t *testing.T) {
	_, _, ok := AuthHeaderFromEnv(map[string]string{})
	if ok {
		t.Error("expected no auth header when neither env var is set")
	}
}

func TestConfigureAndServicesRoundtrip(t *testing.T) {
	p := New()
	p.Configure([]ServiceDescriptor{
		{Name: "fs", Transport: TransportStdio, Command: "true", Enabled: true},
		{Name: "disabled-one", Transport: TransportHTTP, URL: "http://x", Enabled: false},
	})
	services := p.Services()
	if len(services) != 2 {
		t.Fatalf("expected 2 configured services, got %d", len(services))
	}
}

func TestConfigureReplacesServiceSet(t *testing.T) {
	p := New()
	p.Configure([]ServiceDescriptor{{Name: "fs", Transport: TransportStdio, Command: "true", Enabled: true}})
	p.Configure([]ServiceDescriptor{{Name: "web", Transport: TransportHTTP, URL: "http://x", Enabled: true}})

	services := p.Services()
	if len(services) != 1 || services[0].Name != "web" {
		t.Errorf("expected Configure to fully replace the service set, got %+v", services)
	}
}

func TestGetOrOpenUnknownServiceErrors(t *testing.T) {
	p := New()
	_, err := p.getOrOpen(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected an error for an unconfigured service")
	}
}

func TestGetOrOpenDisabledServiceErrors(t *testing.T) {
	p := New()
	p.Configure([]ServiceDescriptor{{Name: "fs", Transport: TransportStdio, Command: "true", Enabled: false}})
	_, err := p.getOrOpen(context.Background(), "fs")
	if err == nil {
		t.Fatal("expected an error for a disabled service")
	}
}

func TestServiceTimeoutDefaultsWhenUnset(t *testing.T) {
	p := New()
	p.Configure([]ServiceDescriptor{{Name: "fs", Transport: TransportStdio, Command: "true", Enabled: true}})
	if got := p.serviceTimeout("fs"); got != DefaultCallTimeout {
		t.Errorf("expected default call timeout, got %v", got)
	}
}

func TestServiceTimeoutHonorsOverride(t *testing.T) {
	p := New()
	p.Configure([]ServiceDescriptor{{Name: "fs", Transport: TransportStdio, Command: "true", Enabled: true, Timeout: 90 * time.Second}})
	if got := p.serviceTimeout("fs"); got != 90*time.Second {
		t.Errorf("expected overridden timeout, got %v", got)
	}
}

func TestStatusReportsUnknownServiceAsAbsent(t *testing.T) {
	p := New()
	_, ok := p.Status("never-configured")
	if ok {
		t.Error("expected no status for a service that was never probed")
	}
}

func TestSweepNoopWhenNoClientsOpen(t *testing.T) {
	p := New()
	p.idleTimeout = 10 * time.Millisecond
	// Nothing open; Sweep must not panic or block.
	p.Sweep()
	if len(p.clients) != 0 {
		t.Errorf("expected no clients, got %d", len(p.clients))
	}
}

func TestStartSweeperStopsCleanly(t *testing.T) {
	p := New()
	stop := p.StartSweeper(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	stop()
	// A second Sweep after stop must not panic; ticker/goroutine are gone.
	p.Sweep()
}

func TestHeadersForExpandsAndLayersAuthHeader(t *testing.T) {
	env := map[string]string{"TOKEN": "abc123", "MCP_API_KEY": "zzz"}
	svc := ServiceDescriptor{Headers: map[string]string{"X-Custom": "Bearer ${TOKEN}"}}
	headers := headersFor(svc, env)
	if headers["X-Custom"] != "Bearer abc123" {
		t.Errorf("expected expanded custom header, got %q", headers["X-Custom"])
	}
	if headers["Authorization"] != "Bearer zzz" {
		t.Errorf("expected MCP_API_KEY-derived Authorization header, got %q", headers["Authorization"])
	}
}

func TestHeadersForNoAuthEnvOmitsAuthorization(t *testing.T) {
	headers := headersFor(ServiceDescriptor{}, map[string]string{})
	if _, ok := headers["Authorization"]; ok {
		t.Error("expected no Authorization header when neither MCP_API_KEY nor MCP_AUTH_HEADER is set")
	}
}
