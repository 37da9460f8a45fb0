package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailscribe/state"
)

const (
	EnvPrefix         = "MAILSCRIBE"
	DefaultConfigFile = "mailscribe.yaml"
)

// Scope selects which sections a command needs validated.
type Scope int

const (
	// ScopeService runs the mailbox poller: everything is required.
	ScopeService Scope = iota
	// ScopeReplay reads an mbox file, so no IMAP settings are needed.
	ScopeReplay
	// ScopeRecords only reads the record store.
	ScopeRecords
)

// Config captures all options required to run mailscribe.
type Config struct {
	IMAP                IMAPConfig                `mapstructure:"imap"`
	SMTP                SMTPConfig                `mapstructure:"smtp"`
	Conversion          ConversionConfig          `mapstructure:"conversion"`
	Processing          ProcessingConfig          `mapstructure:"processing"`
	DuplicatePrevention DuplicatePreventionConfig `mapstructure:"duplicate-prevention"`
	Store               StoreConfig               `mapstructure:"store"`
	Ops                 OpsConfig                 `mapstructure:"ops"`
	Log                 LogConfig                 `mapstructure:"log"`
}

type IMAPConfig struct {
	Host               string        `mapstructure:"host" validate:"required,hostname|ip"`
	Port               int           `mapstructure:"port" validate:"min=1,max=65535"`
	Username           string        `mapstructure:"username" validate:"required"`
	Password           string        `mapstructure:"password" validate:"required"`
	TLS                bool          `mapstructure:"tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure-skip-verify"`
	Folder             string        `mapstructure:"folder" validate:"required"`
	PollInterval       time.Duration `mapstructure:"poll-interval" validate:"gt=0"`
	FetchLimit         int           `mapstructure:"fetch-limit" validate:"min=1"`
}

type SMTPConfig struct {
	Host               string        `mapstructure:"host" validate:"required,hostname|ip"`
	Port               int           `mapstructure:"port" validate:"min=1,max=65535"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password" validate:"required_with=Username"`
	StartTLS           bool          `mapstructure:"starttls"`
	ImplicitTLS        bool          `mapstructure:"implicit-tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure-skip-verify"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gte=0"`
	From               string        `mapstructure:"from" validate:"required,email"`
	To                 string        `mapstructure:"to" validate:"required,email"`
}

type ConversionConfig struct {
	BaseURL       string        `mapstructure:"base-url" validate:"required,url"`
	Endpoint      string        `mapstructure:"endpoint" validate:"required,startswith=/"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryAttempts int           `mapstructure:"retry-attempts" validate:"min=1"`
	RetryDelay    time.Duration `mapstructure:"retry-delay" validate:"gte=0"`
}

type ProcessingConfig struct {
	Workers       int           `mapstructure:"workers" validate:"min=1"`
	Backlog       int           `mapstructure:"backlog" validate:"min=0"`
	Admission     string        `mapstructure:"admission" validate:"oneof=block reject"`
	AudioFormats  string        `mapstructure:"audio-formats"`
	VideoFormats  string        `mapstructure:"video-formats"`
	MaxRetries    int           `mapstructure:"max-retries" validate:"min=1"`
	RetryInterval time.Duration `mapstructure:"retry-interval" validate:"gt=0"`
}

type DuplicatePreventionConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	CacheDuration string `mapstructure:"cache-duration" validate:"ttl"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite bolt file"`
	Path   string `mapstructure:"path" validate:"required"`
}

type OpsConfig struct {
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Dir   string `mapstructure:"dir"`
}

type option struct {
	key   string
	def   any
	usage string
}

// options lists every setting. The flag name is the key with "." replaced
// by "-".
var options = []option{
	{"imap.host", "", "IMAP server hostname"},
	{"imap.port", 993, "IMAP server port"},
	{"imap.username", "", "IMAP username"},
	{"imap.password", "", "IMAP password (falls back to IMAP_PASS env var)"},
	{"imap.tls", true, "Use TLS for the IMAP connection"},
	{"imap.insecure-skip-verify", false, "Skip IMAP TLS certificate verification (not recommended)"},
	{"imap.folder", "INBOX", "IMAP folder to poll"},
	{"imap.poll-interval", 5 * time.Second, "Interval between mailbox polls"},
	{"imap.fetch-limit", 10, "Number of most recent messages fetched per poll"},

	{"smtp.host", "", "SMTP server hostname"},
	{"smtp.port", 587, "SMTP server port"},
	{"smtp.username", "", "SMTP username"},
	{"smtp.password", "", "SMTP password (falls back to SMTP_PASS env var)"},
	{"smtp.starttls", true, "Require STARTTLS on the SMTP connection"},
	{"smtp.implicit-tls", false, "Connect to the SMTP server over TLS (port 465 style, overrides starttls)"},
	{"smtp.insecure-skip-verify", false, "Skip SMTP TLS certificate verification (not recommended)"},
	{"smtp.timeout", 60 * time.Second, "Timeout for one SMTP delivery"},
	{"smtp.from", "", "Sender address of forwarded mail (defaults to the SMTP username)"},
	{"smtp.to", "", "Recipient of forwarded mail"},

	{"conversion.base-url", "", "Base URL of the transcription service"},
	{"conversion.endpoint", "/api/audio-video/convert", "Upload endpoint path"},
	{"conversion.timeout", 5 * time.Minute, "Timeout for one conversion attempt"},
	{"conversion.retry-attempts", 3, "Conversion attempts per attachment"},
	{"conversion.retry-delay", 5 * time.Second, "Delay between conversion attempts"},

	{"processing.workers", 10, "Number of concurrent message workers"},
	{"processing.backlog", 1000, "Messages queued before admission control applies"},
	{"processing.admission", "block", "Full backlog policy: block or reject"},
	{"processing.audio-formats", "mp3,wav,m4a,aac,flac", "Comma-separated audio extensions"},
	{"processing.video-formats", "mp4,avi,mov,mkv,wmv", "Comma-separated video extensions"},
	{"processing.max-retries", 3, "Failures after which a message is no longer retried"},
	{"processing.retry-interval", 5 * time.Minute, "Interval between retry sweeps"},

	{"duplicate-prevention.enabled", true, "Skip messages that were already processed"},
	{"duplicate-prevention.cache-duration", "24h", "TTL of the processed-message cache (h, m or s suffix)"},

	{"store.driver", "sqlite", "Record store: sqlite, bolt or file"},
	{"store.path", "", "Record store location (default under ~/.mailscribe)"},

	{"ops.listen", "", "Address of the ops HTTP server, empty to disable"},

	{"log.level", "info", "Logging level: debug, info, warn, error"},
	{"log.dir", "", "Directory for log files in addition to stdout"},
}

func flagName(key string) string {
	return strings.ReplaceAll(key, ".", "-")
}

// RegisterFlags attaches all settings as persistent flags so every
// subcommand accepts them.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file (default ./"+DefaultConfigFile+" if present)")

	for _, opt := range options {
		name := flagName(opt.key)
		switch def := opt.def.(type) {
		case string:
			flags.String(name, def, opt.usage)
		case int:
			flags.Int(name, def, opt.usage)
		case bool:
			flags.Bool(name, def, opt.usage)
		case time.Duration:
			flags.Duration(name, def, opt.usage)
		default:
			return fmt.Errorf("unsupported default for %s: %T", opt.key, opt.def)
		}
	}
	return nil
}

// LoadConfig merges flags, MAILSCRIBE_* environment variables and the
// optional config file, then validates the sections scope needs. Flags set
// on the command line win over the environment, which wins over the file.
func LoadConfig(cmd *cobra.Command, scope Scope) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	for _, opt := range options {
		v.SetDefault(opt.key, opt.def)
		if f := flags.Lookup(flagName(opt.key)); f != nil {
			if err := v.BindPFlag(opt.key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		}
	}

	path, _ := flags.GetString("config")
	if err := readConfigFile(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := applyFallbacks(&cfg); err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg, scope); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

func applyFallbacks(cfg *Config) error {
	if cfg.IMAP.Password == "" {
		cfg.IMAP.Password = os.Getenv("IMAP_PASS")
	}
	if cfg.SMTP.Password == "" {
		cfg.SMTP.Password = os.Getenv("SMTP_PASS")
	}
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.Username
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
	cfg.Processing.Admission = strings.ToLower(strings.TrimSpace(cfg.Processing.Admission))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))

	if cfg.Store.Path == "" {
		path, err := defaultStorePath(cfg.Store.Driver)
		if err != nil {
			return err
		}
		cfg.Store.Path = path
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})
	_ = v.RegisterValidation("ttl", func(fl validator.FieldLevel) bool {
		_, ok := state.ParseTTL(fl.Field().String())
		return ok
	})
	return v
}

type section struct {
	name string
	val  any
}

func validateConfig(cfg Config, scope Scope) error {
	sections := []section{{"log", cfg.Log}, {"store", cfg.Store}}
	if scope != ScopeRecords {
		sections = append(sections,
			section{"smtp", cfg.SMTP},
			section{"conversion", cfg.Conversion},
			section{"processing", cfg.Processing},
			section{"duplicate-prevention", cfg.DuplicatePrevention},
		)
	}
	if scope == ScopeService {
		sections = append(sections, section{"imap", cfg.IMAP}, section{"ops", cfg.Ops})
	}

	for _, s := range sections {
		if err := validate.Struct(s.val); err != nil {
			return describe(s.name, err)
		}
	}
	return nil
}

// describe turns validator errors into flag-oriented messages.
func describe(name string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid %s config: %w", name, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		flag := "--" + flagName(name+"."+fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, flag+" is required")
		case "required_with":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s is set", flag, strings.ToLower(fe.Param())))
		case "ttl":
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%q is not a positive duration such as 24h, 30m or 45s)", flag, fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", flag, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func defaultStorePath(driver string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	name := "records.db"
	switch driver {
	case "bolt":
		name = "records.bolt"
	case "file":
		name = "state"
	}
	return filepath.Join(home, ".mailscribe", name), nil
}
