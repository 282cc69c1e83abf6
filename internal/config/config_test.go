package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func newFlagSet() *pflag.FlagSet {
	return pflag.NewFlagSet("test", pflag.ContinueOnError)
}

func TestParseAgentConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := parseAgentConfigWithFlagSet(newFlagSet(), []string{root}, env(nil))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}

	if cfg.Root != root {
		t.Errorf("expected Root to be %s, got %s", root, cfg.Root)
	}
	if cfg.Addr() != "127.0.0.1:1883" {
		t.Errorf("expected Addr to be 127.0.0.1:1883, got %s", cfg.Addr())
	}
	if cfg.Transport != TransportTCP {
		t.Errorf("expected Transport to be tcp, got %s", cfg.Transport)
	}
	if cfg.MaxDepth != 2 || cfg.ChunkSize != 16*1024 || cfg.Suffix != ".dat" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected PollInterval to be 2s, got %v", cfg.PollInterval)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("expected unbounded retries by default, got %d", cfg.MaxRetries)
	}
	host, _ := os.Hostname()
	if cfg.Serial != host {
		t.Errorf("expected Serial to default to hostname %q, got %q", host, cfg.Serial)
	}
}

func TestParseAgentConfig_Flags(t *testing.T) {
	root := t.TempDir()
	cfg, err := parseAgentConfigWithFlagSet(newFlagSet(), []string{
		"--root", root,
		"--host", "collector.example",
		"--port", "9000",
		"--transport", "quic",
		"--serial", "P3001",
		"--max-retries", "5",
		"--reconnect-delay", "250ms",
		"--max-depth", "3",
		"--log-level", "debug",
	}, env(nil))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if cfg.Addr() != "collector.example:9000" {
		t.Errorf("expected Addr collector.example:9000, got %s", cfg.Addr())
	}
	if cfg.Transport != TransportQUIC || cfg.Serial != "P3001" || cfg.MaxRetries != 5 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("expected ReconnectDelay 250ms, got %v", cfg.ReconnectDelay)
	}
	if cfg.MaxDepth != 3 || cfg.LogLevel != "debug" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestParseAgentConfig_Precedence(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(t.TempDir(), "agent.yaml")
	yaml := "root: " + root + "\nhost: from-file\nport: 1000\nserial: FILE\nreconnect_delay: 3s\nsuffix: .bin\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseAgentConfigWithFlagSet(newFlagSet(), []string{"--config", file, "--serial", "FLAG"}, env(map[string]string{
		"GRIDSEND_HOST":   "from-env",
		"GRIDSEND_SERIAL": "ENV",
	}))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}

	if cfg.Port != 1000 || cfg.Suffix != ".bin" || cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Host != "from-env" {
		t.Errorf("expected env to override file, got host %s", cfg.Host)
	}
	if cfg.Serial != "FLAG" {
		t.Errorf("expected flag to override env, got serial %s", cfg.Serial)
	}
}

func TestParseAgentConfig_ConfigFromEnv(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(file, []byte("root: "+root+"\nserial: S1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := parseAgentConfigWithFlagSet(newFlagSet(), nil, env(map[string]string{"GRIDSEND_CONFIG": file}))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if cfg.Root != root || cfg.Serial != "S1" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestParseAgentConfig_EnvSecondsDuration(t *testing.T) {
	root := t.TempDir()
	cfg, err := parseAgentConfigWithFlagSet(newFlagSet(), []string{root}, env(map[string]string{
		"GRIDSEND_RECONNECT_DELAY": "7",
	}))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if cfg.ReconnectDelay != 7*time.Second {
		t.Errorf("expected 7s, got %v", cfg.ReconnectDelay)
	}
}

func TestParseAgentConfig_BadEnv(t *testing.T) {
	_, err := parseAgentConfigWithFlagSet(newFlagSet(), []string{t.TempDir()}, env(map[string]string{
		"GRIDSEND_PORT": "eighty",
	}))
	if err == nil || !strings.Contains(err.Error(), "GRIDSEND_PORT") {
		t.Fatalf("expected GRIDSEND_PORT error, got %v", err)
	}
}

func TestAgentConfig_Validate(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	valid := DefaultAgentConfig()
	valid.Root = root
	valid.Serial = "P3001"
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*AgentConfig)
		want   string
	}{
		{"missing root", func(c *AgentConfig) { c.Root = "" }, "root directory is required"},
		{"root is file", func(c *AgentConfig) { c.Root = file }, "not a directory"},
		{"bad port", func(c *AgentConfig) { c.Port = 70000 }, "port"},
		{"bad transport", func(c *AgentConfig) { c.Transport = "udp" }, "transport"},
		{"long serial", func(c *AgentConfig) { c.Serial = strings.Repeat("x", 33) }, "serial"},
		{"negative retries", func(c *AgentConfig) { c.MaxRetries = -1 }, "retries"},
		{"depth", func(c *AgentConfig) { c.MaxDepth = -1 }, "max depth"},
		{"chunk", func(c *AgentConfig) { c.ChunkSize = 0 }, "chunk size"},
		{"watcher", func(c *AgentConfig) { c.Watcher = "poll" }, "watcher"},
		{"log level", func(c *AgentConfig) { c.LogLevel = "loud" }, "log level"},
		{"log format", func(c *AgentConfig) { c.LogFormat = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseCollectorConfig(t *testing.T) {
	cfg, err := parseCollectorConfigWithFlagSet(newFlagSet(), nil, env(nil))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if cfg.Addr != ":1883" || cfg.MaxPathLength != 512 || cfg.MaxSerialLength != 32 || cfg.MaxPayloadLength != 75744000 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	cfg, err = parseCollectorConfigWithFlagSet(newFlagSet(), []string{"--ws-addr", ":8080", "--max-payload", "1024"}, env(map[string]string{
		"GRIDSEND_COLLECTOR_OUT_DIR": "/srv/data",
	}))
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if cfg.WSAddr != ":8080" || cfg.MaxPayloadLength != 1024 || cfg.OutDir != "/srv/data" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	_, err = parseCollectorConfigWithFlagSet(newFlagSet(), []string{"--addr", ""}, env(nil))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid with no listeners, got %v", err)
	}

	// The TCP listener is always opened, so the other transports cannot replace it.
	_, err = parseCollectorConfigWithFlagSet(newFlagSet(), []string{"--addr", "", "--ws-addr", ":8080", "--quic-addr", ":8443"}, env(nil))
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "TCP listen address") {
		t.Errorf("expected ErrInvalid for empty TCP address, got %v", err)
	}
}

func TestLoadAliases(t *testing.T) {
	aliases, err := LoadAliases("")
	if err != nil || len(aliases) != 0 {
		t.Fatalf("LoadAliases(\"\") = %v, %v", aliases, err)
	}

	file := filepath.Join(t.TempDir(), "aliases.yaml")
	if err := os.WriteFile(file, []byte("P3001: Grizzly Peak\nP3002: Soda Hall\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	aliases, err = LoadAliases(file)
	if err != nil {
		t.Fatalf("LoadAliases() error = %v", err)
	}
	if aliases["P3001"] != "Grizzly Peak" || aliases["P3002"] != "Soda Hall" {
		t.Errorf("aliases = %v", aliases)
	}

	if _, err := LoadAliases(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing alias file")
	}
}
