package mirror

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

const (
	defaultMaxConns    = 10
	defaultUpstreamURL = "https://static.rust-lang.org/"
)

var validate = validator.New()

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		if parsedURL.RawPath != "" {
			parsedURL.RawPath += "/"
		}
	}

	u.URL = parsedURL
	return nil
}

// MirrConfig is an auxiliary struct for Config.
type MirrConfig struct {
	Channels   []string          `toml:"channels" validate:"required,min=1,dive,required"`
	Components []string          `toml:"components" validate:"dive,required"`
	Targets    []string          `toml:"targets" validate:"dive,required"`
	Platforms  []string          `toml:"platforms" validate:"dive,required"`
	FormatMap  map[string]string `toml:"format_map" validate:"dive,keys,required,endkeys,required"`

	// UpstreamURL overrides the global upstream_url for this mirror.
	UpstreamURL tomlURL `toml:"upstream_url"`

	PGPKeyPath string `toml:"pgp_key_path,omitempty"`
	NoPGPCheck bool   `toml:"no_pgp_check,omitempty"`
}

// Check vaildates the configuration.
func (mirrorConfig *MirrConfig) Check() error {
	if err := validate.Struct(mirrorConfig); err != nil {
		return errors.Wrap(err, "MirrConfig")
	}
	if len(mirrorConfig.Targets) == 0 && len(mirrorConfig.Platforms) == 0 {
		return errors.New("neither targets nor platforms are set")
	}

	// PGP configuration validation
	if !mirrorConfig.NoPGPCheck && mirrorConfig.PGPKeyPath != "" {
		if !path.IsAbs(mirrorConfig.PGPKeyPath) {
			return errors.New("pgp_key_path must be an absolute path")
		}
		if _, err := os.Stat(mirrorConfig.PGPKeyPath); os.IsNotExist(err) {
			return errors.New("pgp_key_path does not exist: " + mirrorConfig.PGPKeyPath)
		} else if err != nil {
			return errors.Wrap(err, "cannot access pgp_key_path")
		}
	}

	return nil
}

// Request builds the synchronization request of this mirror.
//
// format_map values name lists in the global [formats] table; an
// unknown name is reported as a ConfigError.
func (mirrorConfig *MirrConfig) Request(c *Config) (*Request, error) {
	formats := make(map[string][]string, len(mirrorConfig.FormatMap))
	for target, name := range mirrorConfig.FormatMap {
		fl, ok := c.Formats[name]
		if !ok {
			return nil, &ConfigError{Field: "format_map", Value: name, Err: errors.New("no such list in [formats]")}
		}
		formats[target] = fl
	}

	upstream := defaultUpstreamURL
	switch {
	case mirrorConfig.UpstreamURL.URL != nil:
		upstream = mirrorConfig.UpstreamURL.String()
	case c.UpstreamURL.URL != nil:
		upstream = c.UpstreamURL.String()
	}

	return &Request{
		Channels:    mirrorConfig.Channels,
		Targets:     mirrorConfig.Targets,
		Platforms:   mirrorConfig.Platforms,
		Components:  mirrorConfig.Components,
		Formats:     formats,
		UpstreamURL: upstream,
	}, nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// TLSConfig holds client TLS settings for upstream connections.
type TLSConfig struct {
	CAFile             string   `toml:"ca_file"`
	ClientCertFile     string   `toml:"client_cert_file"`
	ClientKeyFile      string   `toml:"client_key_file"`
	MinVersion         string   `toml:"min_version"`
	MaxVersion         string   `toml:"max_version"`
	CipherSuites       []string `toml:"cipher_suites"`
	ServerName         string   `toml:"server_name"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func parseTLSVersion(v string) (uint16, error) {
	if v == "" {
		return 0, nil
	}
	ver, ok := tlsVersions[v]
	if !ok {
		return 0, errors.Newf("unsupported TLS version %q (use 1.2 or 1.3)", v)
	}
	return ver, nil
}

// Validate checks the TLS settings without reading any file.
func (t *TLSConfig) Validate() error {
	minVer, err := parseTLSVersion(t.MinVersion)
	if err != nil {
		return errors.Wrap(err, "min_version")
	}
	maxVer, err := parseTLSVersion(t.MaxVersion)
	if err != nil {
		return errors.Wrap(err, "max_version")
	}
	if minVer != 0 && maxVer != 0 && minVer > maxVer {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (t.ClientCertFile == "") != (t.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	for _, name := range t.CipherSuites {
		if _, ok := cipherSuiteID(name); !ok {
			return errors.Newf("unknown cipher suite %q", name)
		}
	}
	return nil
}

func cipherSuiteID(name string) (uint16, bool) {
	for _, cs := range tls.CipherSuites() {
		if cs.Name == name {
			return cs.ID, true
		}
	}
	return 0, false
}

// BuildTLSConfig returns a *tls.Config for the settings.  TLS 1.2 is
// the minimum unless a higher version is configured.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, // #nosec G402 - explicit opt-in
	}
	if v, _ := parseTLSVersion(t.MinVersion); v != 0 {
		cfg.MinVersion = v
	}
	if v, _ := parseTLSVersion(t.MaxVersion); v != 0 {
		cfg.MaxVersion = v
	}
	for _, name := range t.CipherSuites {
		id, _ := cipherSuiteID(name)
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "ca_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca_file contains no certificates: " + t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ExportConfig configures the optional upload of mirror roots to S3.
type ExportConfig struct {
	Bucket      string `toml:"bucket"`
	Prefix      string `toml:"prefix"`
	Endpoint    string `toml:"endpoint" validate:"omitempty,url"`
	Region      string `toml:"region"`
	Concurrency int    `toml:"concurrency" validate:"gte=0"`
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir               string        `toml:"dir" validate:"required"`
	MaxConns          int           `toml:"max_conns" validate:"gte=1"`
	RequestsPerSecond float64       `toml:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `toml:"timeout" validate:"gte=0"`
	UpstreamURL       tomlURL       `toml:"upstream_url"`
	GC                bool          `toml:"gc"`

	Log     LogConfig              `toml:"log"`
	TLS     TLSConfig              `toml:"tls"`
	Formats map[string][]string    `toml:"formats"`
	Mirrors map[string]*MirrConfig `toml:"mirrors"`
	Export  ExportConfig           `toml:"export"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "Config")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "tls")
	}
	return nil
}

// MirrorIDs returns the sorted ids of every configured mirror.
func (c *Config) MirrorIDs() []string {
	ids := make([]string, 0, len(c.Mirrors))
	for id := range c.Mirrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns: defaultMaxConns,
	}
}
