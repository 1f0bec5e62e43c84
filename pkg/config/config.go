// Package config loads agent settings from defaults, a YAML or JSON file, an
// optional profile overlay, SDR_ environment variables and --set overrides,
// in that order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// EnvPrefix prefixes environment overrides: SDR_TRANSPORT_CALL_TIMEOUT maps
// to transport.call_timeout.
const EnvPrefix = "SDR_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Transport TransportConfig `koanf:"transport"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Tools     ToolsConfig     `koanf:"tools"`
	Retry     RetryConfig     `koanf:"retry"`
	Audit     AuditConfig     `koanf:"audit"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter       string        `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint   string        `koanf:"otlp_endpoint"`
	OTLPInsecure   bool          `koanf:"otlp_insecure"`
	OTLPTimeout    time.Duration `koanf:"otlp_timeout"`
	MetricInterval time.Duration `koanf:"metric_interval"`
}

// TransportConfig describes the tool server child process.
type TransportConfig struct {
	Command     string            `koanf:"command"`
	Args        []string          `koanf:"args"`
	Env         map[string]string `koanf:"env"`
	Dir         string            `koanf:"dir"`
	CallTimeout time.Duration     `koanf:"call_timeout"`
	MaxInFlight int               `koanf:"max_in_flight"`
	StopGrace   time.Duration     `koanf:"stop_grace"`
	ResyncBytes int               `koanf:"resync_bytes"`
	ResyncWait  time.Duration     `koanf:"resync_wait"`
}

type SchedulerConfig struct {
	Deadline    time.Duration `koanf:"deadline"`
	UnitCeiling time.Duration `koanf:"unit_ceiling"`
}

// ToolsConfig tunes the tool caller and carries the credentials and zones
// handed to the tool server.
type ToolsConfig struct {
	RateLimit        string        `koanf:"rate_limit"` // "<count>/<duration>", e.g. 100/1h
	Burst            int           `koanf:"burst"`
	CallTimeout      time.Duration `koanf:"call_timeout"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
	APIToken         string        `koanf:"api_token"`
	UnlockerZone     string        `koanf:"unlocker_zone"`
	BrowserZone      string        `koanf:"browser_zone"`
	SerpZone         string        `koanf:"serp_zone"`
	JSHeavyDomains   []string      `koanf:"js_heavy_domains"`
	// Allow and Deny are glob patterns over tool names. Deny wins.
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "text",

	"telemetry.exporter":        "none",
	"telemetry.otlp_timeout":    "10s",
	"telemetry.metric_interval": "1m",

	"transport.command":       "npx",
	"transport.args":          []string{"-y", "@brightdata/mcp"},
	"transport.call_timeout":  "30s",
	"transport.max_in_flight": 3,
	"transport.stop_grace":    "500ms",
	"transport.resync_bytes":  64 * 1024,
	"transport.resync_wait":   "2s",

	"scheduler.deadline":     "120s",
	"scheduler.unit_ceiling": "60s",

	"tools.rate_limit":        "100/1h",
	"tools.burst":             10,
	"tools.call_timeout":      "45s",
	"tools.breaker_threshold": 5,
	"tools.breaker_cooldown":  "30s",
	"tools.unlocker_zone":     "web_unlocker1",
	"tools.browser_zone":      "scraping_browser3",
	"tools.serp_zone":         "serp_api1",
	"tools.js_heavy_domains": []string{
		"greenhouse.io", "lever.co", "workday.com", "ashbyhq.com",
		"jobvite.com", "breezy.hr", "smartrecruiters.com",
	},

	"retry.max_attempts":  3,
	"retry.initial_delay": "1s",
	"retry.max_delay":     "10s",

	"audit.enabled": false,
	"audit.path":    "sdr_audit.db",
}

// Load reads defaults, the file at path (if any) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load plus the profile overlay next to path, e.g.
// config.dev.yaml for config.yaml and profile "dev". A missing overlay is
// not an error.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(cliOptions{path: path, profile: profile})
}

// LoadWithCLI understands --config, --profile (alias --env) and repeated
// --set key=value in both "--flag value" and "--flag=value" forms. Other
// arguments are ignored so callers can pass their full argument list.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts)
}

type cliOptions struct {
	path    string
	profile string
	sets    [][2]string
}

func load(opts cliOptions) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("default %s: %w", key, err)
		}
	}

	if opts.path != "" {
		if err := k.Load(file.Provider(opts.path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.path, err)
		}
		if overlay := profileConfigPath(opts.path, opts.profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load profile %s: %w", overlay, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for _, kv := range opts.sets {
		if err := k.Set(kv[0], parseValue(kv[1])); err != nil {
			return nil, fmt.Errorf("--set %s: %w", kv[0], err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Tools.APIToken == "" {
		cfg.Tools.APIToken = os.Getenv("BRIGHTDATA_API_KEY")
	}
	return &cfg, nil
}

// envKey maps SDR_SECTION_SOME_KEY to section.some_key. Only the first
// underscore separates the section so multi-word keys survive.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}

// parseValue decodes JSON objects and arrays given on the command line and
// leaves everything else as a string for the decoder to convert.
func parseValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}

func parseCLIOverrides(args []string) (cliOptions, error) {
	var opts cliOptions
	for i := 0; i < len(args); i++ {
		name, value, inline := strings.Cut(args[i], "=")
		switch name {
		case "--config", "-config", "--profile", "-profile", "--env", "-env", "--set", "-set":
		default:
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch strings.TrimLeft(name, "-") {
		case "config":
			opts.path = value
		case "profile", "env":
			opts.profile = value
		case "set":
			key, v, ok := strings.Cut(value, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return opts, fmt.Errorf("--set expects key=value, got %q", value)
			}
			opts.sets = append(opts.sets, [2]string{strings.TrimSpace(key), v})
		}
	}
	return opts, nil
}

// profileConfigPath returns the overlay for base and profile when it exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// Validate reports every setting that would make the agent misbehave.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if strings.TrimSpace(c.Transport.Command) == "" {
		errs = append(errs, errors.New("transport.command is required"))
	}
	positive("transport.call_timeout", c.Transport.CallTimeout)
	positive("transport.stop_grace", c.Transport.StopGrace)
	positive("transport.resync_wait", c.Transport.ResyncWait)
	positive("scheduler.deadline", c.Scheduler.Deadline)
	positive("scheduler.unit_ceiling", c.Scheduler.UnitCeiling)
	positive("tools.call_timeout", c.Tools.CallTimeout)
	positive("tools.breaker_cooldown", c.Tools.BreakerCooldown)
	positive("retry.initial_delay", c.Retry.InitialDelay)
	if c.Transport.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("transport.max_in_flight must be at least 1, got %d", c.Transport.MaxInFlight))
	}
	if c.Transport.ResyncBytes < 0 {
		errs = append(errs, fmt.Errorf("transport.resync_bytes must not be negative, got %d", c.Transport.ResyncBytes))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay %s is below retry.initial_delay %s", c.Retry.MaxDelay, c.Retry.InitialDelay))
	}
	if c.Tools.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("tools.breaker_threshold must be at least 1, got %d", c.Tools.BreakerThreshold))
	}
	if _, _, err := ParseRate(c.Tools.RateLimit); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Telemetry.Exporter) {
	case "", "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, errors.New("telemetry.otlp_endpoint is required for the otlp exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter))
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, errors.New("audit.path is required when audit is enabled"))
	}
	if len(errs) == 0 {
		return nil
	}
	return sdrerrors.New(sdrerrors.CodeInvalidInput, "invalid configuration", errors.Join(errs...))
}

// ParseRate parses "<count>/<duration>" such as "100/1h" or "5/s". A bare
// unit means one of it. An empty rate disables limiting and returns zeros.
func ParseRate(rate string) (int, time.Duration, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return 0, 0, nil
	}
	countStr, perStr, ok := strings.Cut(rate, "/")
	if !ok {
		return 0, 0, fmt.Errorf("tools.rate_limit %q: want <count>/<duration>", rate)
	}
	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("tools.rate_limit %q: count must be a positive integer", rate)
	}
	perStr = strings.TrimSpace(perStr)
	if perStr != "" && (perStr[0] < '0' || perStr[0] > '9') {
		perStr = "1" + perStr
	}
	per, err := time.ParseDuration(perStr)
	if err != nil || per <= 0 {
		return 0, 0, fmt.Errorf("tools.rate_limit %q: invalid period", rate)
	}
	return count, per, nil
}
