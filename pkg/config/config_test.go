package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.Command != "npx" || strings.Join(cfg.Transport.Args, " ") != "-y @brightdata/mcp" {
		t.Errorf("unexpected default command: %s %v", cfg.Transport.Command, cfg.Transport.Args)
	}
	if cfg.Transport.CallTimeout != 30*time.Second {
		t.Errorf("call timeout = %s, want 30s", cfg.Transport.CallTimeout)
	}
	if cfg.Transport.MaxInFlight != 3 {
		t.Errorf("max in flight = %d, want 3", cfg.Transport.MaxInFlight)
	}
	if cfg.Transport.StopGrace != 500*time.Millisecond {
		t.Errorf("stop grace = %s, want 500ms", cfg.Transport.StopGrace)
	}
	if cfg.Scheduler.Deadline != 120*time.Second || cfg.Scheduler.UnitCeiling != 60*time.Second {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Tools.RateLimit != "100/1h" {
		t.Errorf("rate limit = %q", cfg.Tools.RateLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SDR_LOG_LEVEL", "debug")
	t.Setenv("SDR_TRANSPORT_CALL_TIMEOUT", "45s")
	t.Setenv("SDR_SCHEDULER_UNIT_CEILING", "10s")
	t.Setenv("SDR_TRANSPORT_MAX_IN_FLIGHT", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Transport.CallTimeout != 45*time.Second {
		t.Errorf("call timeout = %s, want 45s", cfg.Transport.CallTimeout)
	}
	if cfg.Scheduler.UnitCeiling != 10*time.Second {
		t.Errorf("unit ceiling = %s, want 10s", cfg.Scheduler.UnitCeiling)
	}
	if cfg.Transport.MaxInFlight != 5 {
		t.Errorf("max in flight = %d, want 5", cfg.Transport.MaxInFlight)
	}
}

func TestLoadAPITokenFallback(t *testing.T) {
	t.Setenv("BRIGHTDATA_API_KEY", "from-legacy-env")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tools.APIToken != "from-legacy-env" {
		t.Fatalf("api token = %q", cfg.Tools.APIToken)
	}

	t.Setenv("SDR_TOOLS_API_TOKEN", "explicit")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tools.APIToken != "explicit" {
		t.Fatalf("api token = %q, want explicit", cfg.Tools.APIToken)
	}
}

func TestLoadWithProfile(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "config.yaml", `
transport:
  command: "tool-server"
  call_timeout: 20s
log:
  level: "info"
`)
	writeFile(t, dir, "config.dev.yaml", `
transport:
  command: "tool-server-dev"
log:
  level: "debug"
`)

	tests := []struct {
		name        string
		profile     string
		wantCommand string
		wantLevel   string
	}{
		{"no profile", "", "tool-server", "info"},
		{"dev profile", "dev", "tool-server-dev", "debug"},
		{"missing profile falls back to base", "staging", "tool-server", "info"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(base, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.Transport.Command != tc.wantCommand {
				t.Errorf("command = %q, want %q", cfg.Transport.Command, tc.wantCommand)
			}
			if cfg.Log.Level != tc.wantLevel {
				t.Errorf("level = %q, want %q", cfg.Log.Level, tc.wantLevel)
			}
			if cfg.Transport.CallTimeout != 20*time.Second {
				t.Errorf("base value lost: call timeout = %s", cfg.Transport.CallTimeout)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestLoadWithCLIOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.json", `{
  "transport": {"command": "from-file"},
  "telemetry": {"exporter": "stdout"}
}`)
	t.Setenv("SDR_TRANSPORT_COMMAND", "from-env")

	cfg, err := LoadWithCLI([]string{
		"run", "acme corp",
		"--config", path,
		"--set", "transport.command=from-cli",
		"--set=audit.enabled=true",
		"--set", "tools.breaker_threshold=7",
		"--set", `transport.args=["serve","--stdio"]`,
		"--set", "transport.env.API_TOKEN=secret",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.Transport.Command != "from-cli" {
		t.Errorf("command = %q, want from-cli", cfg.Transport.Command)
	}
	if cfg.Telemetry.Exporter != "stdout" {
		t.Errorf("exporter = %q, want stdout from file", cfg.Telemetry.Exporter)
	}
	if !cfg.Audit.Enabled {
		t.Error("expected audit.enabled=true")
	}
	if cfg.Tools.BreakerThreshold != 7 {
		t.Errorf("breaker threshold = %d, want 7", cfg.Tools.BreakerThreshold)
	}
	if strings.Join(cfg.Transport.Args, " ") != "serve --stdio" {
		t.Errorf("args = %v", cfg.Transport.Args)
	}
	if cfg.Transport.Env["API_TOKEN"] != "secret" {
		t.Errorf("env = %v", cfg.Transport.Env)
	}
}

func TestLoadWithCLIProfile(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "config.yaml", "log:\n  format: text\n")
	writeFile(t, dir, "config.dev.yaml", "log:\n  format: json\n")

	for _, args := range [][]string{
		{"--config", base, "--profile", "dev"},
		{"--config", base, "--env", "dev"},
		{"--config=" + base, "--profile=dev"},
	} {
		cfg, err := LoadWithCLI(args)
		if err != nil {
			t.Fatalf("LoadWithCLI(%v): %v", args, err)
		}
		if cfg.Log.Format != "json" {
			t.Errorf("LoadWithCLI(%v): format = %q, want json", args, cfg.Log.Format)
		}
	}
}

func TestParseCLIOverridesErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--config"},
		{"--set"},
		{"--set", "invalid"},
		{"--set", "=value"},
	} {
		if _, err := parseCLIOverrides(args); err == nil {
			t.Errorf("parseCLIOverrides(%v): expected error", args)
		}
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"SDR_LOG_LEVEL":              "log.level",
		"SDR_TRANSPORT_CALL_TIMEOUT": "transport.call_timeout",
		"SDR_AUDIT":                  "audit",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProfileConfigPath(t *testing.T) {
	dir := t.TempDir()
	dev := writeFile(t, dir, "config.dev.yaml", "log: {}\n")
	base := filepath.Join(dir, "config.yaml")

	tests := []struct {
		name, base, profile, want string
	}{
		{"existing profile", base, "dev", dev},
		{"missing profile", base, "prod", ""},
		{"empty profile", base, "", ""},
		{"empty base", "", "dev", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := profileConfigPath(tc.base, tc.profile); got != tc.want {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Transport.Command = ""
	cfg.Transport.CallTimeout = 0
	cfg.Transport.MaxInFlight = 0
	cfg.Scheduler.Deadline = -time.Second
	cfg.Tools.RateLimit = "lots"
	cfg.Telemetry.Exporter = "otlp"

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !sdrerrors.IsCode(err, sdrerrors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	for _, want := range []string{
		"transport.command",
		"transport.call_timeout",
		"transport.max_in_flight",
		"scheduler.deadline",
		"tools.rate_limit",
		"telemetry.otlp_endpoint",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		rate    string
		count   int
		per     time.Duration
		wantErr bool
	}{
		{"100/1h", 100, time.Hour, false},
		{"5/s", 5, time.Second, false},
		{" 10 / 30s ", 10, 30 * time.Second, false},
		{"", 0, 0, false},
		{"100", 0, 0, true},
		{"0/1h", 0, 0, true},
		{"10/forever", 0, 0, true},
	}
	for _, tt := range tests {
		count, per, err := ParseRate(tt.rate)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRate(%q) error = %v, wantErr %v", tt.rate, err, tt.wantErr)
			continue
		}
		if count != tt.count || per != tt.per {
			t.Errorf("ParseRate(%q) = %d/%s, want %d/%s", tt.rate, count, per, tt.count, tt.per)
		}
	}
}
