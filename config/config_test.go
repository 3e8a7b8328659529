package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newCommand(t *testing.T, mode Mode, args ...string) *cobra.Command {
	t.Helper()
	root := &cobra.Command{Use: "mailsink"}
	RegisterPersistentFlags(root)

	cmd := &cobra.Command{Use: string(mode), RunE: func(*cobra.Command, []string) error { return nil }}
	switch mode {
	case ModeScan:
		RegisterScanFlags(cmd)
	case ModeServe:
		RegisterServeFlags(cmd)
	case ModeFetch:
		RegisterFetchFlags(cmd)
	}
	root.AddCommand(cmd)

	root.SetArgs(append([]string{string(mode)}, args...))
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	return cmd
}

func clearEnv(t *testing.T) {
	t.Setenv(EnvIMAPPass, "")
	t.Setenv(EnvHTTPToken, "")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cmd := newCommand(t, ModeScan, "--source", "in")

	cfg, err := Load(cmd, ModeScan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Output != "mail" {
		t.Errorf("Output: got %q, want %q", cfg.Output, "mail")
	}
	if cfg.Ledger.Path != "ledger.json" || cfg.Ledger.Backend != "json" || cfg.Ledger.Reconcile != "auto" {
		t.Errorf("Ledger: got %+v", cfg.Ledger)
	}
	if cfg.Scan.Source != "in" {
		t.Errorf("Scan.Source: got %q, want %q", cfg.Scan.Source, "in")
	}
	if len(cfg.Scan.Extensions) != 2 {
		t.Errorf("Scan.Extensions: got %v", cfg.Scan.Extensions)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level: got %q, want %q", cfg.Log.Level, "info")
	}
}

func TestLoad_FileThenFlags(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mailsink.yaml")
	content := `output: /srv/mail
ledger:
  backend: sqlite
  path: /srv/ledger.db
smtp:
  addr: ":2626"
  read_timeout: 10s
log:
  level: WARNING
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newCommand(t, ModeServe, "--config", path, "--output", "/data/mail", "--workers", "8")
	cfg, err := Load(cmd, ModeServe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Output != "/data/mail" {
		t.Errorf("flag must override file: got %q", cfg.Output)
	}
	if cfg.Ledger.Backend != "sqlite" || cfg.Ledger.Path != "/srv/ledger.db" {
		t.Errorf("Ledger: got %+v", cfg.Ledger)
	}
	if cfg.SMTP.Addr != ":2626" {
		t.Errorf("SMTP.Addr: got %q", cfg.SMTP.Addr)
	}
	if cfg.SMTP.ReadTimeout != 10*time.Second {
		t.Errorf("SMTP.ReadTimeout: got %v", cfg.SMTP.ReadTimeout)
	}
	if cfg.SMTP.WriteTimeout != 30*time.Second {
		t.Errorf("SMTP.WriteTimeout default lost: got %v", cfg.SMTP.WriteTimeout)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers: got %d", cfg.Workers)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level: got %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_UnknownFileKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("outptu: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newCommand(t, ModeScan, "--config", path, "--source", "in")
	if _, err := Load(cmd, ModeScan); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoad_EnvSecrets(t *testing.T) {
	t.Setenv(EnvIMAPPass, "from-env")
	t.Setenv(EnvHTTPToken, "token-env")

	cmd := newCommand(t, ModeFetch, "--imap-host", "imap.example.com", "--imap-user", "me")
	cfg, err := Load(cmd, ModeFetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IMAP.Pass != "from-env" {
		t.Errorf("IMAP.Pass: got %q", cfg.IMAP.Pass)
	}
	if cfg.HTTP.Token != "token-env" {
		t.Errorf("HTTP.Token: got %q", cfg.HTTP.Token)
	}

	cmd = newCommand(t, ModeFetch, "--imap-host", "imap.example.com", "--imap-user", "me", "--imap-pass", "from-flag")
	cfg, err = Load(cmd, ModeFetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IMAP.Pass != "from-flag" {
		t.Errorf("flag must win over env: got %q", cfg.IMAP.Pass)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Scan.Source = "in"
		return cfg
	}

	tests := []struct {
		name   string
		mode   Mode
		mutate func(*Config)
	}{
		{"missing source", ModeScan, func(c *Config) { c.Scan.Source = "" }},
		{"bad log level", ModeScan, func(c *Config) { c.Log.Level = "verbose" }},
		{"bad backend", ModeScan, func(c *Config) { c.Ledger.Backend = "bolt" }},
		{"bad reconcile", ModeScan, func(c *Config) { c.Ledger.Reconcile = "sometimes" }},
		{"filter conflict", ModeScan, func(c *Config) {
			c.Filter.IncludeHeader = []string{"a"}
			c.Filter.ExcludeBody = []string{"b"}
		}},
		{"missing output", ModeScan, func(c *Config) { c.Output = "" }},
		{"fetch without host", ModeFetch, func(c *Config) { c.IMAP.User, c.IMAP.Pass = "u", "p" }},
		{"fetch bad port", ModeFetch, func(c *Config) {
			c.IMAP.Host, c.IMAP.User, c.IMAP.Pass, c.IMAP.Port = "h", "u", "p", 70000
		}},
		{"serve without listeners", ModeServe, func(c *Config) { c.SMTP.Addr, c.HTTP.Addr = "", "" }},
		{"serve zero workers", ModeServe, func(c *Config) { c.Workers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(tt.mode); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := valid().Validate(ModeScan); err != nil {
		t.Fatalf("valid scan config rejected: %v", err)
	}
	if err := Default().Validate(ModeServe); err != nil {
		t.Fatalf("default serve config rejected: %v", err)
	}
	if err := Default().Validate(ModeStats); err != nil {
		t.Fatalf("default stats config rejected: %v", err)
	}
}

func TestFilterConfig_Options(t *testing.T) {
	f := FilterConfig{IncludeHeader: []string{"x"}}
	opts := f.Options()
	if !opts.Active() || opts.Conflicting() {
		t.Errorf("unexpected options: %+v", opts)
	}
}
