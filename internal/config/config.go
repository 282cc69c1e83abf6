package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sheerbytes/gridsend/internal/logging"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Transports accepted by the agent.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

// DefaultPort is the collector's conventional port.
const DefaultPort = 1883

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// AgentConfig holds configuration for the gridsend agent.
type AgentConfig struct {
	Root           string        `yaml:"root"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Transport      string        `yaml:"transport"`
	Serial         string        `yaml:"serial"`
	MaxRetries     int           `yaml:"max_retries"` // 0 = unbounded
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxDepth       int           `yaml:"max_depth"`
	MaxPathLength  int           `yaml:"max_path_length"`
	MaxNameLength  int           `yaml:"max_name_length"`
	ChunkSize      int           `yaml:"chunk_size"`
	Suffix         string        `yaml:"suffix"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Watcher        string        `yaml:"watcher"`
	Settle         time.Duration `yaml:"settle"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// CollectorConfig holds configuration for the collector binary.
type CollectorConfig struct {
	Addr             string `yaml:"addr"`
	QUICAddr         string `yaml:"quic_addr"`
	WSAddr           string `yaml:"ws_addr"`
	OutDir           string `yaml:"out_dir"`
	Ledger           string `yaml:"ledger"`
	AliasFile        string `yaml:"alias_file"`
	MaxPathLength    uint32 `yaml:"max_path_length"`
	MaxSerialLength  uint32 `yaml:"max_serial_length"`
	MaxPayloadLength uint32 `yaml:"max_payload_length"`
	ChunkSize        int    `yaml:"chunk_size"`
	LogLevel         string `yaml:"log_level"`
	LogFormat        string `yaml:"log_format"`
	MetricsAddr      string `yaml:"metrics_addr"`
}

// DefaultAgentConfig returns the agent defaults. Watcher is left empty and
// resolved by the caller to the platform default.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Host:           "127.0.0.1",
		Port:           DefaultPort,
		Transport:      TransportTCP,
		ReconnectDelay: 5 * time.Second,
		MaxDepth:       2,
		MaxPathLength:  256,
		MaxNameLength:  255,
		ChunkSize:      16 * 1024,
		Suffix:         ".dat",
		PollInterval:   2 * time.Second,
		Settle:         2 * time.Second,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// DefaultCollectorConfig returns the collector defaults.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Addr:             fmt.Sprintf(":%d", DefaultPort),
		OutDir:           "received",
		Ledger:           "gridsend.db",
		MaxPathLength:    512,
		MaxSerialLength:  32,
		MaxPayloadLength: 75744000,
		ChunkSize:        64 * 1024,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Addr returns the collector address as host:port.
func (c AgentConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports unrecoverable configuration errors.
func (c AgentConfig) Validate() error {
	var problems []string
	if c.Root == "" {
		problems = append(problems, "root directory is required")
	} else if info, err := os.Stat(c.Root); err != nil {
		problems = append(problems, fmt.Sprintf("root %s: %v", c.Root, err))
	} else if !info.IsDir() {
		problems = append(problems, fmt.Sprintf("root %s is not a directory", c.Root))
	}
	if c.Host == "" {
		problems = append(problems, "collector host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC, TransportWS:
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", c.Transport))
	}
	if c.Serial == "" {
		problems = append(problems, "device serial is required")
	} else if len(c.Serial) > 32 {
		problems = append(problems, fmt.Sprintf("serial %q longer than 32 bytes", c.Serial))
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max retries must be >= 0")
	}
	if c.ReconnectDelay < 0 {
		problems = append(problems, "reconnect delay must be >= 0")
	}
	if c.MaxDepth < 0 || c.MaxDepth > 16 {
		problems = append(problems, fmt.Sprintf("max depth %d out of range [0,16]", c.MaxDepth))
	}
	if c.MaxPathLength <= 0 || c.MaxNameLength <= 0 {
		problems = append(problems, "path and name limits must be positive")
	}
	if c.ChunkSize <= 0 {
		problems = append(problems, "chunk size must be positive")
	}
	if c.Suffix == "" {
		problems = append(problems, "data suffix is required")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll interval must be positive")
	}
	switch c.Watcher {
	case "", "inotify", "fsnotify":
	default:
		problems = append(problems, fmt.Sprintf("unknown watcher %q", c.Watcher))
	}
	problems = append(problems, checkLogging(c.LogLevel, c.LogFormat)...)
	return joinProblems(problems)
}

// Validate reports unrecoverable configuration errors.
func (c CollectorConfig) Validate() error {
	var problems []string
	if c.Addr == "" {
		problems = append(problems, "TCP listen address is required")
	}
	if c.OutDir == "" {
		problems = append(problems, "output directory is required")
	}
	if c.MaxPathLength == 0 || c.MaxSerialLength == 0 || c.MaxPayloadLength == 0 {
		problems = append(problems, "frame limits must be positive")
	}
	if c.ChunkSize <= 0 {
		problems = append(problems, "chunk size must be positive")
	}
	problems = append(problems, checkLogging(c.LogLevel, c.LogFormat)...)
	return joinProblems(problems)
}

func checkLogging(level, format string) []string {
	var problems []string
	if !logging.ValidLevel(level) {
		problems = append(problems, fmt.Sprintf("unknown log level %q", level))
	}
	switch strings.ToLower(format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", format))
	}
	return problems
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

// field binds one setting to a flag name and environment variable.
type field struct {
	flag  string
	env   string
	usage string
	ptr   any // *string, *int, *uint32 or *time.Duration
}

func agentFields(c *AgentConfig) []field {
	return []field{
		{"root", "GRIDSEND_ROOT", "directory tree to watch", &c.Root},
		{"host", "GRIDSEND_HOST", "collector host", &c.Host},
		{"port", "GRIDSEND_PORT", "collector port", &c.Port},
		{"transport", "GRIDSEND_TRANSPORT", "transport (tcp, quic, ws)", &c.Transport},
		{"serial", "GRIDSEND_SERIAL", "device serial (default: hostname)", &c.Serial},
		{"max-retries", "GRIDSEND_MAX_RETRIES", "attempts per file and per reconnect before giving up (0 = unbounded)", &c.MaxRetries},
		{"reconnect-delay", "GRIDSEND_RECONNECT_DELAY", "delay between reconnect attempts", &c.ReconnectDelay},
		{"max-depth", "GRIDSEND_MAX_DEPTH", "depth at which new files arrive", &c.MaxDepth},
		{"max-path", "GRIDSEND_MAX_PATH", "maximum local path length", &c.MaxPathLength},
		{"max-name", "GRIDSEND_MAX_NAME", "maximum directory entry name length", &c.MaxNameLength},
		{"chunk-size", "GRIDSEND_CHUNK_SIZE", "payload chunk size in bytes", &c.ChunkSize},
		{"suffix", "GRIDSEND_SUFFIX", "suffix of files to send", &c.Suffix},
		{"poll-interval", "GRIDSEND_POLL_INTERVAL", "event loop heartbeat interval", &c.PollInterval},
		{"watcher", "GRIDSEND_WATCHER", "watch backend (inotify, fsnotify)", &c.Watcher},
		{"settle", "GRIDSEND_SETTLE", "quiet period before fsnotify reports a file complete", &c.Settle},
		{"log-level", "GRIDSEND_LOG_LEVEL", "log level (debug, info, warn, error)", &c.LogLevel},
		{"log-format", "GRIDSEND_LOG_FORMAT", "log format (text, json)", &c.LogFormat},
		{"metrics-addr", "GRIDSEND_METRICS_ADDR", "address for the /metrics listener (empty disables)", &c.MetricsAddr},
	}
}

func collectorFields(c *CollectorConfig) []field {
	return []field{
		{"addr", "GRIDSEND_COLLECTOR_ADDR", "TCP listen address", &c.Addr},
		{"quic-addr", "GRIDSEND_COLLECTOR_QUIC_ADDR", "QUIC (UDP) listen address (empty disables)", &c.QUICAddr},
		{"ws-addr", "GRIDSEND_COLLECTOR_WS_ADDR", "WebSocket listen address (empty disables)", &c.WSAddr},
		{"out-dir", "GRIDSEND_COLLECTOR_OUT_DIR", "directory for received files", &c.OutDir},
		{"ledger", "GRIDSEND_COLLECTOR_LEDGER", "sqlite ledger path (empty disables)", &c.Ledger},
		{"aliases", "GRIDSEND_COLLECTOR_ALIASES", "YAML file mapping serials to names", &c.AliasFile},
		{"max-path", "GRIDSEND_COLLECTOR_MAX_PATH", "maximum remote path length", &c.MaxPathLength},
		{"max-serial", "GRIDSEND_COLLECTOR_MAX_SERIAL", "maximum serial length", &c.MaxSerialLength},
		{"max-payload", "GRIDSEND_COLLECTOR_MAX_PAYLOAD", "maximum payload length", &c.MaxPayloadLength},
		{"chunk-size", "GRIDSEND_COLLECTOR_CHUNK_SIZE", "payload read buffer size", &c.ChunkSize},
		{"log-level", "GRIDSEND_COLLECTOR_LOG_LEVEL", "log level (debug, info, warn, error)", &c.LogLevel},
		{"log-format", "GRIDSEND_COLLECTOR_LOG_FORMAT", "log format (text, json)", &c.LogFormat},
		{"metrics-addr", "GRIDSEND_COLLECTOR_METRICS_ADDR", "address for the /metrics listener (empty disables)", &c.MetricsAddr},
	}
}

// RegisterAgentFlags adds the agent flags to fs.
func RegisterAgentFlags(fs *pflag.FlagSet) {
	cfg := DefaultAgentConfig()
	fs.String("config", "", "YAML configuration file")
	register(fs, agentFields(&cfg))
}

// RegisterCollectorFlags adds the collector flags to fs.
func RegisterCollectorFlags(fs *pflag.FlagSet) {
	cfg := DefaultCollectorConfig()
	fs.String("config", "", "YAML configuration file")
	register(fs, collectorFields(&cfg))
}

// LoadAgent resolves the agent configuration from defaults, the YAML file,
// the environment and the flags already parsed into fs, in that order.
func LoadAgent(fs *pflag.FlagSet, getenv func(string) string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := load(fs, getenv, "GRIDSEND_CONFIG", &cfg, agentFields(&cfg)); err != nil {
		return AgentConfig{}, err
	}
	if cfg.Serial == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Serial = host
		}
	}
	return cfg, cfg.Validate()
}

// LoadCollector resolves the collector configuration like LoadAgent.
func LoadCollector(fs *pflag.FlagSet, getenv func(string) string) (CollectorConfig, error) {
	cfg := DefaultCollectorConfig()
	if err := load(fs, getenv, "GRIDSEND_COLLECTOR_CONFIG", &cfg, collectorFields(&cfg)); err != nil {
		return CollectorConfig{}, err
	}
	return cfg, cfg.Validate()
}

// parseAgentConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseAgentConfigWithFlagSet(fs *pflag.FlagSet, args []string, getenv func(string) string) (AgentConfig, error) {
	RegisterAgentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}
	if fs.NArg() > 0 {
		if err := fs.Set("root", fs.Arg(0)); err != nil {
			return AgentConfig{}, err
		}
	}
	return LoadAgent(fs, getenv)
}

// parseCollectorConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseCollectorConfigWithFlagSet(fs *pflag.FlagSet, args []string, getenv func(string) string) (CollectorConfig, error) {
	RegisterCollectorFlags(fs)
	if err := fs.Parse(args); err != nil {
		return CollectorConfig{}, err
	}
	return LoadCollector(fs, getenv)
}

func load(fs *pflag.FlagSet, getenv func(string) string, configEnv string, out any, fields []field) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	path := getenv(configEnv)
	if f := fs.Lookup("config"); f != nil && f.Changed {
		path = f.Value.String()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Environment overrides the file
	for _, f := range fields {
		if raw := getenv(f.env); raw != "" {
			if err := set(f.ptr, raw); err != nil {
				return fmt.Errorf("%s: %w", f.env, err)
			}
		}
	}

	// Flags override environment
	for _, f := range fields {
		fl := fs.Lookup(f.flag)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := set(f.ptr, fl.Value.String()); err != nil {
			return fmt.Errorf("--%s: %w", f.flag, err)
		}
	}
	return nil
}

func register(fs *pflag.FlagSet, fields []field) {
	for _, f := range fields {
		switch p := f.ptr.(type) {
		case *string:
			fs.String(f.flag, *p, f.usage)
		case *int:
			fs.Int(f.flag, *p, f.usage)
		case *uint32:
			fs.Uint32(f.flag, *p, f.usage)
		case *time.Duration:
			fs.Duration(f.flag, *p, f.usage)
		default:
			panic(fmt.Sprintf("config: unsupported field type %T for %s", f.ptr, f.flag))
		}
	}
}

func set(ptr any, raw string) error {
	switch p := ptr.(type) {
	case *string:
		*p = raw
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*p = v
	case *uint32:
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer %q", raw)
		}
		*p = uint32(v)
	case *time.Duration:
		v, err := time.ParseDuration(raw)
		if err != nil {
			// Bare numbers are seconds.
			secs, convErr := strconv.Atoi(raw)
			if convErr != nil {
				return fmt.Errorf("invalid duration %q", raw)
			}
			v = time.Duration(secs) * time.Second
		}
		*p = v
	default:
		return fmt.Errorf("unsupported field type %T", ptr)
	}
	return nil
}

// LoadAliases reads a YAML mapping of device serial to display name.
func LoadAliases(path string) (map[string]string, error) {
	aliases := make(map[string]string)
	if path == "" {
		return aliases, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias file: %w", err)
	}
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("failed to parse alias file %s: %w", path, err)
	}
	return aliases, nil
}
