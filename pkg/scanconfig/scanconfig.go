package scanconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Environment keys read by Resolve.
const (
	KeyServiceHost  = "VITALSCAN_SERVICE_HOST"
	KeyLicenseKey   = "VITALSCAN_LICENSE_KEY" //nolint:gosec // environment key name, not a credential
	KeyStudyID      = "VITALSCAN_STUDY_ID"
	KeySocketHost   = "VITALSCAN_SOCKET_HOST"
	KeyTransport    = "VITALSCAN_TRANSPORT"
	KeyHTTPTimeout  = "VITALSCAN_HTTP_TIMEOUT"
	KeyRulesFile    = "VITALSCAN_RULES_FILE"
	KeyDeviceTypeID = "VITALSCAN_DEVICE_TYPE_ID"
)

// Transport names accepted in VITALSCAN_TRANSPORT.
const (
	TransportEmbedded = "embedded"
	TransportRemote   = "remote"
)

// Defaults applied to optional values left zero.
const (
	DefaultTransport    = TransportEmbedded
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultDeviceTypeID = "LINUX"
)

// Config holds the resolved connection parameters. It is immutable once
// returned by Resolve.
type Config struct {
	ServiceHost string `env:"SERVICE_HOST"`
	LicenseKey  string `env:"LICENSE_KEY"` //nolint:gosec // configuration field, not a hardcoded secret
	StudyID     string `env:"STUDY_ID"`
	SocketHost  string `env:"SOCKET_HOST"`

	Transport    string        `env:"TRANSPORT"      envDefault:"embedded"`
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT"   envDefault:"30s"`
	RulesFile    string        `env:"RULES_FILE"`
	DeviceTypeID string        `env:"DEVICE_TYPE_ID" envDefault:"LINUX"`
}

// ConfigurationError reports required environment keys that were unset or
// blank.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("scanconfig: missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// Resolve reads the configuration from the process environment.
func Resolve() (Config, error) {
	return resolve(env.Options{Prefix: "VITALSCAN_"})
}

// ResolveFrom reads the configuration from the given environment map
// instead of the process environment.
func ResolveFrom(environ map[string]string) (Config, error) {
	return resolve(env.Options{Prefix: "VITALSCAN_", Environment: environ})
}

func resolve(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("scanconfig: parse env: %w", err)
	}

	cfg.ServiceHost = strings.TrimSpace(cfg.ServiceHost)
	cfg.LicenseKey = strings.TrimSpace(cfg.LicenseKey)
	cfg.StudyID = strings.TrimSpace(cfg.StudyID)
	cfg.SocketHost = strings.TrimSpace(cfg.SocketHost)
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WithDefaults returns c with zero optional values replaced by the same
// defaults Resolve applies, so a Config built in code only needs the four
// required values.
func (c Config) WithDefaults() Config {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.DeviceTypeID == "" {
		c.DeviceTypeID = DefaultDeviceTypeID
	}
	return c
}

// Validate checks that every required value is present and that optional
// values are well formed. Zero optional values are validated as their
// defaults. Missing required values are reported together.
func (c Config) Validate() error {
	c = c.WithDefaults()

	required := []struct {
		key   string
		value string
	}{
		{KeyServiceHost, c.ServiceHost},
		{KeyLicenseKey, c.LicenseKey},
		{KeyStudyID, c.StudyID},
		{KeySocketHost, c.SocketHost},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}

	switch c.Transport {
	case TransportEmbedded, TransportRemote:
	default:
		return fmt.Errorf("scanconfig: %s: unknown transport %q", KeyTransport, c.Transport)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("scanconfig: %s: must be positive", KeyHTTPTimeout)
	}

	return nil
}

// LoadDotEnv loads environment variables from path. Missing files are
// ignored so that .env files remain optional. Variables already present in
// the environment are not overridden.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scanconfig: load %s: %w", path, err)
	}
	return nil
}
