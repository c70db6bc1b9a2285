// Package config loads IronCA settings from defaults, an optional YAML file,
// a .env file and IRONCA_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema"

	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/internal/telemetry"
	"github.com/jmcleod/ironca/pki"
)

// DevelopmentSecret is the built-in key-encryption secret. It is refused
// when Env is "production".
const DevelopmentSecret = "default-dev-secret-change-in-production"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
)

//go:embed schema.json
var schemaJSON string

var schema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: adding schema: %v", err))
	}
	var err error
	if schema, err = compiler.Compile("config.json"); err != nil {
		panic(fmt.Sprintf("config: compiling schema: %v", err))
	}
}

type Config struct {
	Env       string          `json:"env"`
	Server    ServerConfig    `json:"server"`
	Security  SecurityConfig  `json:"security"`
	Paths     PathsConfig     `json:"paths"`
	Store     StoreConfig     `json:"store"`
	Defaults  DefaultsConfig  `json:"defaults"`
	Export    ExportConfig    `json:"export"`
	Audit     AuditConfig     `json:"audit"`
	Log       LogConfig       `json:"log"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type ServerConfig struct {
	Port    int    `json:"port"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
	// TrustedProxies are CIDR ranges whose forwarding headers are believed
	// when identifying the client.
	TrustedProxies []string `json:"trusted_proxies"`
	// IssueRateLimit caps key-generating requests per client per minute.
	// Zero disables the limit.
	IssueRateLimit int `json:"issue_rate_limit"`
}

type SecurityConfig struct {
	KeyEncryptionSecret string `json:"key_encryption_secret"`
}

// PathsConfig locates persistent data. Empty Keys and Certs default to
// subdirectories of Data.
type PathsConfig struct {
	Data  string `json:"data"`
	Keys  string `json:"keys"`
	Certs string `json:"certs"`
}

// StoreConfig selects the record store. For bbolt and sqlite an empty DSN
// means a file under Paths.Data.
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type DefaultsConfig struct {
	KeyAlgorithm string         `json:"key_algorithm"`
	ValidityDays ValidityConfig `json:"validity_days"`
}

type ValidityConfig struct {
	RootCA         int `json:"root_ca"`
	IntermediateCA int `json:"intermediate_ca"`
	Server         int `json:"server"`
	Client         int `json:"client"`
}

type ExportConfig struct {
	PKCS12IncludeECKeys bool `json:"pkcs12_include_ec_keys"`
}

// AuditConfig forwards audit events to an HTTP endpoint when WebhookURL is
// set. WebhookHeader has the form "Name: value".
type AuditConfig struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookHeader string `json:"webhook_header"`
}

type LogConfig struct {
	Level string `json:"level"`
}

type TelemetryConfig struct {
	Enabled      bool    `json:"enabled"`
	Endpoint     string  `json:"endpoint"`
	Insecure     bool    `json:"insecure"`
	ServiceName  string  `json:"service_name"`
	SamplingRate float64 `json:"sampling_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env:      "development",
		Server:   ServerConfig{Port: 8443, IssueRateLimit: 30},
		Security: SecurityConfig{KeyEncryptionSecret: DevelopmentSecret},
		Paths:    PathsConfig{Data: "./data"},
		Store:    StoreConfig{Driver: DriverBbolt},
		Defaults: DefaultsConfig{
			KeyAlgorithm: pki.DefaultKeyAlgorithm.Name(),
			ValidityDays: ValidityConfig{
				RootCA:         3650,
				IntermediateCA: 1825,
				Server:         365,
				Client:         365,
			},
		},
		Log: LogConfig{Level: "INFO"},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			ServiceName:  "ironca",
			SamplingRate: 1.0,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; envFile
// names a dotenv file, ".env" when empty. A missing dotenv file is ignored.
// The result has been validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.mergeYAML(data); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	// godotenv.Load never overrides variables already set in the process.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a configuration from YAML alone, on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeYAML(data); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeYAML(data []byte) error {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return errs.Validationf("config", "invalid YAML: %v", err)
	}
	if bytes.Equal(bytes.TrimSpace(js), []byte("null")) {
		return nil
	}
	if err := schema.Validate(bytes.NewReader(js)); err != nil {
		return &errs.ValidationError{Field: "config", Message: err.Error(), Reason: err}
	}
	if err := yaml.Unmarshal(js, c); err != nil {
		return errs.Validationf("config", "%v", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"IRONCA_ENV", &c.Env},
		{"IRONCA_TLS_CERT", &c.Server.TLSCert},
		{"IRONCA_TLS_KEY", &c.Server.TLSKey},
		{"IRONCA_KEY_ENCRYPTION_SECRET", &c.Security.KeyEncryptionSecret},
		{"IRONCA_DATA_DIR", &c.Paths.Data},
		{"IRONCA_KEYS_DIR", &c.Paths.Keys},
		{"IRONCA_CERTS_DIR", &c.Paths.Certs},
		{"IRONCA_STORE_DRIVER", &c.Store.Driver},
		{"IRONCA_STORE_DSN", &c.Store.DSN},
		{"IRONCA_DEFAULT_KEY_ALGORITHM", &c.Defaults.KeyAlgorithm},
		{"IRONCA_LOG_LEVEL", &c.Log.Level},
		{"IRONCA_OTEL_ENDPOINT", &c.Telemetry.Endpoint},
		{"IRONCA_OTEL_SERVICE_NAME", &c.Telemetry.ServiceName},
		{"IRONCA_AUDIT_WEBHOOK_URL", &c.Audit.WebhookURL},
		{"IRONCA_AUDIT_WEBHOOK_HEADER", &c.Audit.WebhookHeader},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok && v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"IRONCA_PORT", &c.Server.Port},
		{"IRONCA_ISSUE_RATE_LIMIT", &c.Server.IssueRateLimit},
		{"IRONCA_VALIDITY_ROOT_CA", &c.Defaults.ValidityDays.RootCA},
		{"IRONCA_VALIDITY_INTERMEDIATE_CA", &c.Defaults.ValidityDays.IntermediateCA},
		{"IRONCA_VALIDITY_SERVER", &c.Defaults.ValidityDays.Server},
		{"IRONCA_VALIDITY_CLIENT", &c.Defaults.ValidityDays.Client},
	}
	for _, i := range ints {
		v, ok := lookup(i.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Validationf(i.name, "must be an integer")
		}
		*i.dst = n
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"IRONCA_PKCS12_INCLUDE_EC_KEYS", &c.Export.PKCS12IncludeECKeys},
		{"IRONCA_OTEL_ENABLED", &c.Telemetry.Enabled},
		{"IRONCA_OTEL_INSECURE", &c.Telemetry.Insecure},
	}
	for _, b := range bools {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return errs.Validationf(b.name, "must be true or false")
		}
		*b.dst = parsed
	}

	if v, ok := lookup("IRONCA_TRUSTED_PROXIES"); ok && v != "" {
		c.Server.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Server.TrustedProxies = append(c.Server.TrustedProxies, p)
			}
		}
	}

	if v, ok := lookup("IRONCA_OTEL_SAMPLING_RATE"); ok && v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errs.Validationf("IRONCA_OTEL_SAMPLING_RATE", "must be a number")
		}
		c.Telemetry.SamplingRate = rate
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.Paths.Keys == "" {
		c.Paths.Keys = filepath.Join(c.Paths.Data, "keys")
	}
	if c.Paths.Certs == "" {
		c.Paths.Certs = filepath.Join(c.Paths.Data, "certs")
	}
	if c.Store.DSN == "" {
		switch c.Store.Driver {
		case DriverBbolt:
			c.Store.DSN = filepath.Join(c.Paths.Data, "ironca.db")
		case DriverSQLite:
			c.Store.DSN = filepath.Join(c.Paths.Data, "ironca.sqlite")
		}
	}
}

// Validate checks values the schema cannot, and values that came from the
// environment.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "test", "production":
	default:
		return errs.Validationf("env", "must be development, test or production")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errs.Validationf("server.port", "must be between 1 and 65535")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errs.Validationf("server.tls_cert", "tls_cert and tls_key must be set together")
	}
	if _, err := c.TrustedProxies(); err != nil {
		return err
	}
	if c.Server.IssueRateLimit < 0 {
		return errs.Validationf("server.issue_rate_limit", "must not be negative")
	}
	if c.Security.KeyEncryptionSecret == "" {
		return errs.Validationf("security.key_encryption_secret", "must not be empty")
	}
	if c.Env == "production" && c.Security.KeyEncryptionSecret == DevelopmentSecret {
		return errs.Validationf("security.key_encryption_secret", "the development default must not be used in production")
	}
	if c.Paths.Data == "" {
		return errs.Validationf("paths.data", "must not be empty")
	}

	switch c.Store.Driver {
	case DriverMemory, DriverBbolt, DriverSQLite:
	case DriverPostgres, DriverMySQL:
		if c.Store.DSN == "" {
			return errs.Validationf("store.dsn", "required for the %s driver", c.Store.Driver)
		}
	default:
		return errs.Validationf("store.driver", "unknown driver %q", c.Store.Driver)
	}

	if _, err := pki.ParseKeyAlgorithm(c.Defaults.KeyAlgorithm); err != nil {
		return errs.Validationf("defaults.key_algorithm", "%v", err)
	}
	for _, v := range []struct {
		field string
		days  int
		max   int
	}{
		{"defaults.validity_days.root_ca", c.Defaults.ValidityDays.RootCA, pki.MaxCAValidityDays},
		{"defaults.validity_days.intermediate_ca", c.Defaults.ValidityDays.IntermediateCA, pki.MaxCAValidityDays},
		{"defaults.validity_days.server", c.Defaults.ValidityDays.Server, pki.MaxLeafValidityDays},
		{"defaults.validity_days.client", c.Defaults.ValidityDays.Client, pki.MaxLeafValidityDays},
	} {
		if v.days < pki.MinValidityDays || v.days > v.max {
			return errs.Validationf(v.field, "must be between %d and %d", pki.MinValidityDays, v.max)
		}
	}

	if c.Audit.WebhookURL != "" {
		u, err := url.Parse(c.Audit.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errs.Validationf("audit.webhook_url", "must be an absolute http or https URL")
		}
	}
	if h := c.Audit.WebhookHeader; h != "" && !strings.Contains(h, ":") {
		return errs.Validationf("audit.webhook_header", `must have the form "Name: value"`)
	}

	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		return errs.Validationf("log.level", "%v", err)
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return errs.Validationf("telemetry.sampling_rate", "must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errs.Validationf("telemetry.endpoint", "required when telemetry is enabled")
	}
	return nil
}

// KeyAlgorithm returns the parsed default key algorithm.
func (c *Config) KeyAlgorithm() pki.KeyAlgorithm {
	alg, err := pki.ParseKeyAlgorithm(c.Defaults.KeyAlgorithm)
	if err != nil {
		return pki.DefaultKeyAlgorithm
	}
	return alg
}

// TrustedProxies parses Server.TrustedProxies. A bare address is treated as
// a single-host prefix.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Server.TrustedProxies))
	for i, raw := range c.Server.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, errs.Validationf(fmt.Sprintf("server.trusted_proxies[%d]", i), "invalid CIDR or address %q", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// TracerConfig converts the telemetry section.
func (c *Config) TracerConfig() telemetry.TracerConfig {
	return telemetry.TracerConfig{
		Enabled:      c.Telemetry.Enabled,
		Endpoint:     c.Telemetry.Endpoint,
		Insecure:     c.Telemetry.Insecure,
		ServiceName:  c.Telemetry.ServiceName,
		SamplingRate: c.Telemetry.SamplingRate,
	}
}
