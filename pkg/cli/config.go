// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pelican.
//
// go-pelican is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.
package cli

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/audit"
	"github.com/jeremyhahn/go-pelican/pkg/authflow"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionBadger = "badger"
)

// Log backends.
const (
	LogSlog   = "slog"
	LogZap    = "zap"
	LogLogrus = "logrus"
)

// Config holds the CLI configuration settings.
type Config struct {
	OutputFormat string

	SessionBackend string // memory or badger
	SessionPath    string

	RedirectURL    string
	CallbackListen string // loopback address the login callback listener binds
	Scopes         []string
	ClientName     string
	ListingTTL     time.Duration

	Timeout      time.Duration
	RateLimit    float64
	RateBurst    int
	HTTPProtocol string // http1 or http3
	CAFile       string
	Insecure     bool
	Retries      int

	LogLevel   string
	LogBackend string

	// AuditFile receives the audit trail when set.
	AuditFile   string
	AuditFormat string
}

// InitConfig initializes the configuration using Viper.
// Configuration priority: flags > env vars > config file > defaults.
func InitConfig(cfgFile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("output-format", string(FormatText))
	v.SetDefault("session-backend", SessionBadger)
	v.SetDefault("session-path", "~/.pelican/session")
	v.SetDefault("redirect-url", "http://127.0.0.1:8400/callback")
	v.SetDefault("callback-listen", "127.0.0.1:8400")
	v.SetDefault("scopes", authflow.DefaultScopes)
	v.SetDefault("client-name", "pelican-client")
	v.SetDefault("listing-ttl", time.Minute)
	v.SetDefault("timeout", adapters.DefaultTimeout)
	v.SetDefault("rate-limit", 0.0)
	v.SetDefault("rate-burst", 1)
	v.SetDefault("http-protocol", adapters.ProtocolHTTP1)
	v.SetDefault("retries", 2)
	v.SetDefault("log-level", "warn")
	v.SetDefault("log-backend", LogSlog)
	v.SetDefault("audit-format", string(audit.FormatJSON))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".pelican")
		v.SetConfigType("yaml")
	}

	// PELICAN_SESSION_BACKEND binds session-backend.
	v.SetEnvPrefix("PELICAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return v, nil
}

// GetConfig extracts the configuration from Viper into a Config struct.
func GetConfig(v *viper.Viper) *Config {
	return &Config{
		OutputFormat:   v.GetString("output-format"),
		SessionBackend: v.GetString("session-backend"),
		SessionPath:    v.GetString("session-path"),
		RedirectURL:    v.GetString("redirect-url"),
		CallbackListen: v.GetString("callback-listen"),
		Scopes:         v.GetStringSlice("scopes"),
		ClientName:     v.GetString("client-name"),
		ListingTTL:     v.GetDuration("listing-ttl"),
		Timeout:        v.GetDuration("timeout"),
		RateLimit:      v.GetFloat64("rate-limit"),
		RateBurst:      v.GetInt("rate-burst"),
		HTTPProtocol:   v.GetString("http-protocol"),
		CAFile:         v.GetString("ca-file"),
		Insecure:       v.GetBool("insecure"),
		Retries:        v.GetInt("retries"),
		LogLevel:       v.GetString("log-level"),
		LogBackend:     v.GetString("log-backend"),
		AuditFile:      v.GetString("audit-file"),
		AuditFormat:    v.GetString("audit-format"),
	}
}

// DisplayConfig formats and displays the current configuration.
func DisplayConfig(cfg *Config, format string) string {
	switch format {
	case string(FormatJSON):
		return formatJSON(configView(cfg))
	case string(FormatTable):
		return formatConfigTable(cfg)
	default:
		return formatConfigText(cfg)
	}
}

type configSetting struct {
	name, label, value string
}

func configSettings(cfg *Config) []configSetting {
	settings := []configSetting{
		{"output_format", "Output Format", cfg.OutputFormat},
		{"session_backend", "Session Backend", cfg.SessionBackend},
	}
	if cfg.SessionBackend == SessionBadger {
		settings = append(settings, configSetting{"session_path", "Session Path", cfg.SessionPath})
	}
	settings = append(settings,
		configSetting{"redirect_url", "Redirect URL", cfg.RedirectURL},
		configSetting{"callback_listen", "Callback Listen", cfg.CallbackListen},
		configSetting{"scopes", "Scopes", strings.Join(cfg.Scopes, " ")},
		configSetting{"client_name", "Client Name", cfg.ClientName},
		configSetting{"listing_ttl", "Listing TTL", cfg.ListingTTL.String()},
		configSetting{"timeout", "Timeout", cfg.Timeout.String()},
		configSetting{"http_protocol", "HTTP Protocol", cfg.HTTPProtocol},
	)
	if cfg.RateLimit > 0 {
		settings = append(settings, configSetting{"rate_limit", "Rate Limit", fmt.Sprintf("%g/s burst %d", cfg.RateLimit, cfg.RateBurst)})
	}
	if cfg.CAFile != "" {
		settings = append(settings, configSetting{"ca_file", "CA File", cfg.CAFile})
	}
	if cfg.Insecure {
		settings = append(settings, configSetting{"insecure", "Insecure", "true"})
	}
	settings = append(settings,
		configSetting{"retries", "Retries", fmt.Sprintf("%d", cfg.Retries)},
		configSetting{"log_level", "Log Level", cfg.LogLevel},
		configSetting{"log_backend", "Log Backend", cfg.LogBackend},
	)
	if cfg.AuditFile != "" {
		settings = append(settings,
			configSetting{"audit_file", "Audit File", cfg.AuditFile},
			configSetting{"audit_format", "Audit Format", cfg.AuditFormat},
		)
	}
	return settings
}

func configView(cfg *Config) map[string]string {
	view := make(map[string]string)
	for _, s := range configSettings(cfg) {
		view[s.name] = s.value
	}
	return view
}

func formatConfigText(cfg *Config) string {
	var result string
	for _, s := range configSettings(cfg) {
		result += fmt.Sprintf("%s: %s\n", s.label, s.value)
	}
	return result
}

func formatConfigTable(cfg *Config) string {
	var result string
	result += "┌──────────────────┬────────────────────────────────────────┐\n"
	result += "│ Setting          │ Value                                  │\n"
	result += "├──────────────────┼────────────────────────────────────────┤\n"
	for _, s := range configSettings(cfg) {
		result += fmt.Sprintf("│ %-16s │ %-38s │\n", s.label, truncate(s.value, 38))
	}
	result += "└──────────────────┴────────────────────────────────────────┘\n"
	return result
}

// truncate truncates a string to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// ValidateConfig validates the configuration and expands a leading ~ in
// session-path.
func ValidateConfig(cfg *Config) error {
	switch OutputFormat(cfg.OutputFormat) {
	case FormatText, FormatJSON, FormatTable:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedOutputFormat, cfg.OutputFormat)
	}

	switch cfg.SessionBackend {
	case SessionMemory:
	case SessionBadger:
		if cfg.SessionPath == "" {
			return ErrSessionPathRequired
		}
		path, err := homedir.Expand(cfg.SessionPath)
		if err != nil {
			return fmt.Errorf("session-path: %w", err)
		}
		cfg.SessionPath = path
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedSessionBackend, cfg.SessionBackend)
	}

	switch cfg.HTTPProtocol {
	case adapters.ProtocolHTTP1, adapters.ProtocolHTTP3:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, cfg.HTTPProtocol)
	}

	switch cfg.LogBackend {
	case LogSlog, LogZap, LogLogrus:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLogBackend, cfg.LogBackend)
	}
	if _, err := adapters.ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	switch audit.OutputFormat(cfg.AuditFormat) {
	case audit.FormatJSON, audit.FormatText:
	case "":
		cfg.AuditFormat = string(audit.FormatJSON)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAuditFormat, cfg.AuditFormat)
	}

	for _, p := range []*string{&cfg.AuditFile, &cfg.CAFile} {
		path, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = path
	}

	u, err := url.Parse(cfg.RedirectURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRedirectURL, cfg.RedirectURL)
	}

	if cfg.ListingTTL < 0 {
		return fmt.Errorf("listing-ttl: %w", ErrNegativeValue)
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("retries: %w", ErrNegativeValue)
	}

	return nil
}
