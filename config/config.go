package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mailsink/filter"
	"github.com/dhcgn/mailsink/ledger"
)

const (
	EnvIMAPPass  = "IMAP_PASS"
	EnvHTTPToken = "MAILSINK_HTTP_TOKEN"
)

// Mode names the sub-command a configuration is validated for.
type Mode string

const (
	ModeScan  Mode = "scan"
	ModeServe Mode = "serve"
	ModeFetch Mode = "fetch"
	ModeStats Mode = "stats"
)

// Config captures all options of every sub-command.
type Config struct {
	Output  string       `yaml:"output"`
	Workers int          `yaml:"workers"`
	DryRun  bool         `yaml:"dry_run"`
	Ledger  LedgerConfig `yaml:"ledger"`
	Scan    ScanConfig   `yaml:"scan"`
	Filter  FilterConfig `yaml:"filter"`
	SMTP    SMTPConfig   `yaml:"smtp"`
	HTTP    HTTPConfig   `yaml:"http"`
	IMAP    IMAPConfig   `yaml:"imap"`
	Log     LogConfig    `yaml:"log"`
}

type LedgerConfig struct {
	Path      string `yaml:"path"`
	Backend   string `yaml:"backend"`
	Reconcile string `yaml:"reconcile"`
}

type ScanConfig struct {
	Source     string   `yaml:"source"`
	Extensions []string `yaml:"extensions"`
}

type FilterConfig struct {
	IncludeHeader []string `yaml:"include_header"`
	IncludeBody   []string `yaml:"include_body"`
	ExcludeHeader []string `yaml:"exclude_header"`
	ExcludeBody   []string `yaml:"exclude_body"`
}

func (f FilterConfig) Options() filter.Options {
	return filter.Options{
		IncludeHeader: f.IncludeHeader,
		IncludeBody:   f.IncludeBody,
		ExcludeHeader: f.ExcludeHeader,
		ExcludeBody:   f.ExcludeBody,
	}
}

type SMTPConfig struct {
	// Addr empty disables the SMTP listener.
	Addr            string        `yaml:"addr"`
	Domain          string        `yaml:"domain"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	MaxRecipients   int           `yaml:"max_recipients"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type HTTPConfig struct {
	// Addr empty disables the drop-off endpoint.
	Addr      string  `yaml:"addr"`
	Token     string  `yaml:"token"`
	MaxBytes  int64   `yaml:"max_bytes"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type IMAPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Pass               string `yaml:"pass"`
	Mailbox            string `yaml:"mailbox"`
	UseTLS             bool   `yaml:"use_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Output:  "mail",
		Workers: 4,
		Ledger: LedgerConfig{
			Path:      "ledger.json",
			Backend:   ledger.BackendJSON,
			Reconcile: string(ledger.ReconcileAuto),
		},
		Scan: ScanConfig{
			Extensions: []string{".eml", ".mbox"},
		},
		SMTP: SMTPConfig{
			Addr:            ":2525",
			Domain:          "localhost",
			MaxMessageBytes: 25 * 1024 * 1024,
			MaxRecipients:   50,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		HTTP: HTTPConfig{
			MaxBytes:  25 * 1024 * 1024,
			RateLimit: 5,
			Burst:     10,
		},
		IMAP: IMAPConfig{
			Port:    993,
			Mailbox: "INBOX",
			UseTLS:  true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// RegisterPersistentFlags attaches the flags shared by all sub-commands.
func RegisterPersistentFlags(cmd *cobra.Command) {
	d := Default()
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("output", d.Output, "Root directory of the per-recipient folders")
	flags.String("ledger", d.Ledger.Path, "Path of the dedup ledger")
	flags.String("ledger-backend", d.Ledger.Backend, "Ledger backend: json or sqlite")
	flags.String("reconcile", d.Ledger.Reconcile, "Reconcile ledger with the output tree: auto, always, never")
	flags.Bool("dry-run", false, "Process messages and emit stats without writing files")
	flags.String("log-level", d.Log.Level, "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (optional)")
}

// RegisterFilterFlags attaches the regex filter flags.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

func RegisterScanFlags(cmd *cobra.Command) {
	d := Default()
	flags := cmd.Flags()
	flags.String("source", "", "Directory scanned recursively for message files")
	flags.StringSlice("ext", d.Scan.Extensions, "File extensions to scan")
	RegisterFilterFlags(cmd)
}

func RegisterServeFlags(cmd *cobra.Command) {
	d := Default()
	flags := cmd.Flags()
	flags.String("smtp-addr", d.SMTP.Addr, "SMTP listen address (empty disables)")
	flags.String("smtp-domain", d.SMTP.Domain, "Domain announced in the SMTP greeting")
	flags.Int64("max-message-bytes", d.SMTP.MaxMessageBytes, "Maximum accepted message size")
	flags.Int("max-recipients", d.SMTP.MaxRecipients, "Maximum recipients per SMTP transaction")
	flags.Duration("smtp-read-timeout", d.SMTP.ReadTimeout, "SMTP read timeout")
	flags.Duration("smtp-write-timeout", d.SMTP.WriteTimeout, "SMTP write timeout")
	flags.String("http-addr", d.HTTP.Addr, "HTTP drop-off listen address (empty disables)")
	flags.String("http-token", "", "Bearer token for the HTTP drop-off (falls back to "+EnvHTTPToken+" env var)")
	flags.Float64("http-rate-limit", d.HTTP.RateLimit, "Requests per second per client IP (0 disables)")
	flags.Int("http-burst", d.HTTP.Burst, "Rate limit burst size")
	flags.Int("workers", d.Workers, "Number of ingestion workers")
}

func RegisterFetchFlags(cmd *cobra.Command) {
	d := Default()
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", d.IMAP.Port, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to "+EnvIMAPPass+" env var)")
	flags.String("mailbox", d.IMAP.Mailbox, "IMAP mailbox to fetch")
	flags.Bool("use-tls", d.IMAP.UseTLS, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	RegisterFilterFlags(cmd)
}

// Load builds the configuration for cmd: defaults, then the YAML file named
// by --config, then secrets from the environment, then flags set explicitly.
func Load(cmd *cobra.Command, mode Mode) (Config, error) {
	cfg := Default()
	flags := cmd.Flags()

	path, err := lookupString(flags, "config")
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()

	if err := cfg.applyFlags(flags); err != nil {
		return Config{}, err
	}

	cfg.normalize()
	if err := cfg.Validate(mode); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvIMAPPass); v != "" {
		c.IMAP.Pass = v
	}
	if v := os.Getenv(EnvHTTPToken); v != "" {
		c.HTTP.Token = v
	}
}

func (c *Config) applyFlags(flags *pflag.FlagSet) error {
	setters := []error{
		setString(flags, "output", &c.Output),
		setString(flags, "ledger", &c.Ledger.Path),
		setString(flags, "ledger-backend", &c.Ledger.Backend),
		setString(flags, "reconcile", &c.Ledger.Reconcile),
		setBool(flags, "dry-run", &c.DryRun),
		setString(flags, "log-level", &c.Log.Level),
		setString(flags, "log-dir", &c.Log.Dir),

		setString(flags, "source", &c.Scan.Source),
		setStringSlice(flags, "ext", &c.Scan.Extensions),
		setStringArray(flags, "include-header", &c.Filter.IncludeHeader),
		setStringArray(flags, "include-body", &c.Filter.IncludeBody),
		setStringArray(flags, "exclude-header", &c.Filter.ExcludeHeader),
		setStringArray(flags, "exclude-body", &c.Filter.ExcludeBody),

		setString(flags, "smtp-addr", &c.SMTP.Addr),
		setString(flags, "smtp-domain", &c.SMTP.Domain),
		setInt64(flags, "max-message-bytes", &c.SMTP.MaxMessageBytes),
		setInt(flags, "max-recipients", &c.SMTP.MaxRecipients),
		setDuration(flags, "smtp-read-timeout", &c.SMTP.ReadTimeout),
		setDuration(flags, "smtp-write-timeout", &c.SMTP.WriteTimeout),
		setString(flags, "http-addr", &c.HTTP.Addr),
		setString(flags, "http-token", &c.HTTP.Token),
		setFloat64(flags, "http-rate-limit", &c.HTTP.RateLimit),
		setInt(flags, "http-burst", &c.HTTP.Burst),
		setInt(flags, "workers", &c.Workers),

		setString(flags, "imap-host", &c.IMAP.Host),
		setInt(flags, "imap-port", &c.IMAP.Port),
		setString(flags, "imap-user", &c.IMAP.User),
		setString(flags, "imap-pass", &c.IMAP.Pass),
		setString(flags, "mailbox", &c.IMAP.Mailbox),
		setBool(flags, "use-tls", &c.IMAP.UseTLS),
		setBool(flags, "insecure-skip-verify", &c.IMAP.InsecureSkipVerify),
	}
	for _, err := range setters {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	if c.Output != "" {
		c.Output = filepath.Clean(c.Output)
	}
	if c.Ledger.Path != "" {
		c.Ledger.Path = filepath.Clean(c.Ledger.Path)
	}
}

// Validate checks the options needed by mode.
func (c Config) Validate(mode Mode) error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", c.Log.Level)
	}

	if c.Filter.Options().Conflicting() {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch mode {
	case ModeStats:
		return nil
	case ModeScan:
		if c.Scan.Source == "" {
			return fmt.Errorf("--source is required")
		}
	case ModeFetch:
		if c.IMAP.Host == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if c.IMAP.User == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if c.IMAP.Pass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or %s env var", EnvIMAPPass)
		}
		if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case ModeServe:
		if c.SMTP.Addr == "" && c.HTTP.Addr == "" {
			return fmt.Errorf("at least one of --smtp-addr and --http-addr is required")
		}
		if c.Workers < 1 {
			return fmt.Errorf("--workers must be positive")
		}
		if c.SMTP.MaxMessageBytes < 0 || c.HTTP.MaxBytes < 0 {
			return fmt.Errorf("message size limits must not be negative")
		}
		if c.HTTP.RateLimit < 0 {
			return fmt.Errorf("--http-rate-limit must not be negative")
		}
		return c.validateOutput()
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if _, err := ledger.ParseReconcileMode(c.Ledger.Reconcile); err != nil {
		return err
	}
	switch c.Ledger.Backend {
	case ledger.BackendJSON, ledger.BackendSQLite:
	default:
		return fmt.Errorf("invalid --ledger-backend: %s", c.Ledger.Backend)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("--ledger is required")
	}
	return c.validateOutput()
}

func (c Config) validateOutput() error {
	if c.Output == "" {
		return fmt.Errorf("--output is required")
	}
	return nil
}

func lookupString(flags *pflag.FlagSet, name string) (string, error) {
	if flags.Lookup(name) == nil {
		return "", nil
	}
	return flags.GetString(name)
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

func setString(flags *pflag.FlagSet, name string, dst *string) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetString(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setBool(flags *pflag.FlagSet, name string, dst *bool) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetBool(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setInt(flags *pflag.FlagSet, name string, dst *int) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetInt(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setInt64(flags *pflag.FlagSet, name string, dst *int64) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetInt64(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setFloat64(flags *pflag.FlagSet, name string, dst *float64) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetFloat64(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setDuration(flags *pflag.FlagSet, name string, dst *time.Duration) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetDuration(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setStringArray(flags *pflag.FlagSet, name string, dst *[]string) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetStringArray(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setStringSlice(flags *pflag.FlagSet, name string, dst *[]string) error {
	if !changed(flags, name) {
		return nil
	}
	v, err := flags.GetStringSlice(name)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
