package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lazyvisor/internal/config"
	"github.com/loykin/lazyvisor/pkg/client"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBuildRoot_Commands(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"start", "start-server", "fast-start", "touch", "stop", "force-stop", "status", "list", "version"} {
		assert.Contains(t, names, want)
	}
	for _, f := range []string{"config", "api-url", "api-timeout", "insecure", "local"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(f), f)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lazyvisor dev\n", out)
}

func TestServerCommand_RequiresName(t *testing.T) {
	_, err := run(t, "fast-start")
	assert.Error(t, err)
}

func TestChildArgs(t *testing.T) {
	got := childArgs([]string{"start", "--daemonize", "--config", "a.toml", "--daemonize=true", "--pidfile", "p"})
	assert.Equal(t, []string{"start", "--config", "a.toml", "--pidfile", "p"}, got)
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "lazyvisor.pid")
	require.NoError(t, writePidFile(p, 1234))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(b))
	require.NoError(t, removePidFile(p))
	assert.NoFileExists(t, p)
	assert.NoError(t, removePidFile(p), "missing file is not an error")
	assert.NoError(t, writePidFile("", 1))
}

func TestAPIURL(t *testing.T) {
	g := &GlobalFlags{}
	assert.Equal(t, client.DefaultBaseURL, g.apiURL(nil))

	cfg := config.Default()
	cfg.Server.Listen = "0.0.0.0:9000"
	cfg.Server.BasePath = "/v1"
	assert.Equal(t, "http://127.0.0.1:9000/v1", g.apiURL(cfg))

	cfg.Server.TLS.Enabled = true
	cfg.Server.Listen = "example.com:443"
	assert.Equal(t, "https://example.com:443/v1", g.apiURL(cfg))

	g.APIUrl = "http://override/api"
	assert.Equal(t, "http://override/api", g.apiURL(cfg))
}

func TestConfigPath(t *testing.T) {
	t.Setenv("LAZYVISOR_CONFIG", "/etc/lv.toml")
	assert.Equal(t, "/etc/lv.toml", (&GlobalFlags{}).configPath())
	assert.Equal(t, "x.toml", (&GlobalFlags{ConfigPath: "x.toml"}).configPath())
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, []client.ServerStatus{
		{Name: "echo", Status: "running", PID: 42, Alive: true, AccessCount: 3},
		{Name: "idle", Status: "stopped"},
	})
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[0], "EVICTS IN")
	assert.Contains(t, lines[1], "echo")
	assert.Contains(t, lines[1], "42")
	assert.Contains(t, lines[2], "idle")
	assert.Contains(t, lines[2], "-")
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, client.ServerStatus{Name: "echo", Status: "stopped", PID: 7, LastError: "boom"}, false))
	out := buf.String()
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "7 (dead)")
	assert.Contains(t, out, "boom")

	buf.Reset()
	require.NoError(t, printStatus(&buf, client.ServerStatus{Name: "echo", Status: "running"}, true))
	assert.Contains(t, buf.String(), `"status": "running"`)
}
