// Package config loads the TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/profile"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
)

// AdminTokenEnv overrides server.admin_token.
const AdminTokenEnv = "SILVERBULLET_ADMIN_TOKEN"

// OCSP responders.
const (
	ResponderLibrary = "library"
	ResponderOpenSSL = "openssl"
)

// Duration decodes TOML strings such as "5s" or "1h30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig    `toml:"server"`
	Storage  StorageConfig   `toml:"storage"`
	CA       CAConfig        `toml:"ca"`
	OCSP     OCSPConfig      `toml:"ocsp"`
	Logging  LoggingConfig   `toml:"logging"`
	Profiles []ProfileConfig `toml:"profiles"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	TLSCert    string `toml:"tls_cert"`
	TLSKey     string `toml:"tls_key"`
	// AdminToken guards the admin routes. SILVERBULLET_ADMIN_TOKEN
	// overrides it; when both are empty the admin routes are disabled.
	AdminToken string `toml:"admin_token"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

// CAConfig locates the embedded CA material. IssuingKey may hold a
// "PKCS11:<label>" reference when PKCS11 is set.
type CAConfig struct {
	RootCert     string        `toml:"root_cert"`
	IssuingCert  string        `toml:"issuing_cert"`
	IssuingKey   string        `toml:"issuing_key"`
	Consortium   string        `toml:"consortium"`
	OCSPURL      string        `toml:"ocsp_url"`
	KeyAlgorithm string        `toml:"key_algorithm"`
	PKCS11       *PKCS11Config `toml:"pkcs11"`
}

// PKCS11Config configures an HSM holding the issuing key.
type PKCS11Config struct {
	Module     string `toml:"module"`
	TokenLabel string `toml:"token_label"`
	PIN        string `toml:"pin"`
}

// OCSPConfig configures response generation.
type OCSPConfig struct {
	Responder    string   `toml:"responder"`
	OpenSSLPath  string   `toml:"openssl_path"`
	Timeout      Duration `toml:"timeout"`
	ValidityDays int      `toml:"validity_days"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// ProfileConfig is one [[profiles]] entry.
type ProfileConfig struct {
	ID                     string `toml:"id"`
	Realm                  string `toml:"realm"`
	Institution            string `toml:"institution"`
	Federation             string `toml:"federation"`
	MaxActiveUsers         int    `toml:"max_active_users"`
	DeviceLimit            int    `toml:"device_limit"`
	InvitationValidityDays int    `toml:"invitation_validity_days"`
	CABackend              string `toml:"ca_backend"`
	ExternalCAURL          string `toml:"external_ca_url"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8443"},
		Storage: StorageConfig{
			Driver: DriverBbolt,
			Path:   "silverbullet.db",
		},
		CA: CAConfig{
			RootCert:     "ca/root.pem",
			IssuingCert:  "ca/issuing.pem",
			IssuingKey:   "ca/issuing.key",
			Consortium:   "eduroam",
			KeyAlgorithm: string(pki.RSA2048),
		},
		OCSP: OCSPConfig{
			Responder:    ResponderLibrary,
			OpenSSLPath:  "openssl",
			Timeout:      Duration{5 * time.Second},
			ValidityDays: 10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are logged, not rejected. An empty path yields the validated defaults.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("unknown config keys ignored", slog.String("keys", strings.Join(keys, ", ")))
		}
	}
	if token := os.Getenv(AdminTokenEnv); token != "" {
		cfg.Server.AdminToken = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and required values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBbolt:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the bbolt driver"))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage.driver %q: must be one of memory, bbolt, postgres", c.Storage.Driver))
	}

	if _, err := pki.ParseKeyAlgorithm(c.CA.KeyAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("ca.key_algorithm: %w", err))
	}
	if c.CA.Consortium == "" {
		errs = append(errs, errors.New("ca.consortium is required"))
	}

	switch c.OCSP.Responder {
	case ResponderLibrary, ResponderOpenSSL:
	default:
		errs = append(errs, fmt.Errorf("invalid ocsp.responder %q: must be library or openssl", c.OCSP.Responder))
	}
	if c.OCSP.Responder == ResponderOpenSSL && c.CA.PKCS11 != nil {
		errs = append(errs, errors.New("ocsp.responder = openssl needs a PEM issuing key, not PKCS#11"))
	}
	if c.OCSP.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("ocsp.timeout must be positive"))
	}
	if c.OCSP.ValidityDays <= 0 {
		errs = append(errs, errors.New("ocsp.validity_days must be positive"))
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}

	seen := map[string]bool{}
	for i := range c.Profiles {
		p, err := c.Profiles[i].Profile()
		if err != nil {
			errs = append(errs, fmt.Errorf("profiles[%d]: %w", i, err))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

// Profile converts the entry into a validated profile.Profile.
func (pc ProfileConfig) Profile() (*profile.Profile, error) {
	backend, err := profile.ParseCABackend(pc.CABackend)
	if err != nil {
		return nil, err
	}
	p := &profile.Profile{
		ID:                 pc.ID,
		Realm:              pc.Realm,
		Institution:        pc.Institution,
		Federation:         pc.Federation,
		MaxActiveUsers:     pc.MaxActiveUsers,
		DeviceLimit:        pc.DeviceLimit,
		InvitationValidity: time.Duration(pc.InvitationValidityDays) * 24 * time.Hour,
		CABackend:          backend,
		ExternalCAURL:      pc.ExternalCAURL,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Registry builds the profile registry from the [[profiles]] entries.
func (c *Config) Registry() (*profile.Registry, error) {
	r := profile.NewRegistry()
	for i := range c.Profiles {
		p, err := c.Profiles[i].Profile()
		if err != nil {
			return nil, fmt.Errorf("profiles[%d]: %w", i, err)
		}
		r.Add(p)
	}
	return r, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid logging.level %q: must be one of debug, info, warn, error", s)
	}
}
