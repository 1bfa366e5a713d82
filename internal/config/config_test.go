package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIP_LOCAL_IP", "127.0.0.1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SIP.LocalPort != 5060 {
		t.Errorf("expected local port 5060, got %d", cfg.SIP.LocalPort)
	}
	if cfg.Calls.Timeout != 30*time.Second {
		t.Errorf("expected 30s call timeout, got %s", cfg.Calls.Timeout)
	}
	if cfg.Calls.MaxTimeout != 10*time.Minute {
		t.Errorf("expected 10m max call timeout, got %s", cfg.Calls.MaxTimeout)
	}
	if cfg.Voice.Voice != "alloy" {
		t.Errorf("expected default voice alloy, got %q", cfg.Voice.Voice)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "isip.yaml")
	body := `
output_dir: /tmp/isip
sip:
  gateway: file.example.com
  local_ip: 127.0.0.1
  local_port: 5070
calls:
  timeout: 45s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SIP_GATEWAY", "env.example.com")
	t.Setenv("ISIP_CALL_TIMEOUT", "12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SIP.Gateway != "env.example.com" {
		t.Errorf("env should override file gateway, got %q", cfg.SIP.Gateway)
	}
	if cfg.SIP.LocalPort != 5070 {
		t.Errorf("expected file port 5070, got %d", cfg.SIP.LocalPort)
	}
	if cfg.OutputDir != "/tmp/isip" {
		t.Errorf("expected file output dir, got %q", cfg.OutputDir)
	}
	if cfg.Calls.Timeout != 12*time.Second {
		t.Errorf("bare seconds should parse, got %s", cfg.Calls.Timeout)
	}
}

func TestLoadReportsAllErrors(t *testing.T) {
	t.Setenv("SIP_LOCAL_IP", "127.0.0.1")
	t.Setenv("SIP_LOCAL_PORT", "70000")
	t.Setenv("ISIP_TTS_PROVIDER", "polly")
	t.Setenv("ISIP_MAX_CONCURRENT_CALLS", "0")
	t.Setenv("ISIP_CALL_TIMEOUT", "2m")
	t.Setenv("ISIP_MAX_CALL_TIMEOUT", "1m")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"SIP_LOCAL_PORT", "ISIP_TTS_PROVIDER", "ISIP_MAX_CONCURRENT_CALLS", "ISIP_MAX_CALL_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %q", want, err.Error())
		}
	}
}

func TestLoadRejectsBadInteger(t *testing.T) {
	t.Setenv("SIP_LOCAL_IP", "127.0.0.1")
	t.Setenv("SIP_LOCAL_PORT", "five")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "must be an integer") {
		t.Fatalf("expected integer error, got %v", err)
	}
}

func TestValidateServeRequiresSecret(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected missing secret error")
	}
	cfg.API.JWTSecret = "s3cret"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ISIP_TEST_A=from-file\nISIP_TEST_B=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ISIP_TEST_A", "from-env")
	t.Setenv("ISIP_TEST_B", "")
	os.Unsetenv("ISIP_TEST_B")

	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("ISIP_TEST_A"); got != "from-env" {
		t.Errorf("existing variable overwritten: %q", got)
	}
	if got := os.Getenv("ISIP_TEST_B"); got != "from-file" {
		t.Errorf("expected file value, got %q", got)
	}
}
