package mirror

import (
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

func loadTestConfig(t *testing.T) *Config {
	t.Helper()

	c := NewConfig()
	md, err := toml.DecodeFile(filepath.Join("testdata", "mirror.toml"), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Undecoded()) > 0 {
		t.Errorf("undecoded keys: %#v", md.Undecoded())
	}
	return c
}

func TestConfig(t *testing.T) {
	t.Parallel()

	c := loadTestConfig(t)

	if c.Dir != "/var/spool/rustup-mirror" {
		t.Errorf(`c.Dir = %q, want "/var/spool/rustup-mirror"`, c.Dir)
	}
	if c.MaxConns != 8 {
		t.Errorf(`c.MaxConns = %d, want 8`, c.MaxConns)
	}
	if c.Timeout != 5*time.Minute {
		t.Errorf(`c.Timeout = %v, want 5m`, c.Timeout)
	}
	if !c.GC {
		t.Error(`c.GC should be true`)
	}
	if c.Log.Level != "info" {
		t.Errorf(`c.Log.Level = %q, want "info"`, c.Log.Level)
	}
	if err := c.Check(); err != nil {
		t.Error(err)
	}

	if ids := c.MirrorIDs(); !reflect.DeepEqual(ids, []string{"nightly", "stable"}) {
		t.Errorf(`c.MirrorIDs() = %v`, ids)
	}

	stable, ok := c.Mirrors["stable"]
	if !ok {
		t.Fatal(`stable mirror not found`)
	}
	if !reflect.DeepEqual(stable.Channels, []string{"stable", "1.78.0"}) {
		t.Errorf(`stable.Channels = %v`, stable.Channels)
	}
	if stable.FormatMap["x86_64-pc-windows-msvc"] != "windows" {
		t.Errorf(`stable.FormatMap = %v`, stable.FormatMap)
	}
	if err := stable.Check(); err != nil {
		t.Error(err)
	}
}

func TestMirrorConfigRequest(t *testing.T) {
	t.Parallel()

	c := loadTestConfig(t)

	req, err := c.Mirrors["stable"].Request(c)
	if err != nil {
		t.Fatal(err)
	}
	if req.UpstreamURL != "https://static.rust-lang.org/" {
		t.Errorf(`req.UpstreamURL = %q`, req.UpstreamURL)
	}
	if !reflect.DeepEqual(req.Formats["x86_64-pc-windows-msvc"], []string{"msi-only", "xz"}) {
		t.Errorf(`req.Formats = %v`, req.Formats)
	}

	scope, err := req.Validate()
	if err != nil {
		t.Fatal(err)
	}
	if len(scope.Channels) != 2 || scope.Channels[1].ID != "1.78.0" {
		t.Errorf(`scope.Channels = %v`, scope.Channels)
	}

	req, err = c.Mirrors["nightly"].Request(c)
	if err != nil {
		t.Fatal(err)
	}
	// per-mirror override, with a trailing slash added
	if req.UpstreamURL != "https://mirror.example.com/rust/" {
		t.Errorf(`req.UpstreamURL = %q`, req.UpstreamURL)
	}
}

func TestMirrorConfigRequestUnknownFormatList(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	mc := &MirrConfig{
		Channels:  []string{"stable"},
		Targets:   []string{"x86_64-unknown-linux-gnu"},
		FormatMap: map[string]string{"x86_64-unknown-linux-gnu": "nope"},
	}
	_, err := mc.Request(c)

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if ce.Field != "format_map" || ce.Value != "nope" {
		t.Errorf("ConfigError = %+v", ce)
	}
}

func TestMirrorConfigCheck(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mc      MirrConfig
		wantErr string
	}{
		{
			name: "valid",
			mc:   MirrConfig{Channels: []string{"stable"}, Platforms: []string{"x86_64-pc-windows-msvc"}},
		},
		{
			name:    "no channels",
			mc:      MirrConfig{Channels: []string{}, Targets: []string{"x86_64-unknown-linux-gnu"}},
			wantErr: "Channels",
		},
		{
			name:    "empty channel name",
			mc:      MirrConfig{Channels: []string{""}, Targets: []string{"x86_64-unknown-linux-gnu"}},
			wantErr: "Channels",
		},
		{
			name:    "no targets or platforms",
			mc:      MirrConfig{Channels: []string{"stable"}},
			wantErr: "neither targets nor platforms",
		},
		{
			name: "relative key path",
			mc: MirrConfig{
				Channels:   []string{"stable"},
				Targets:    []string{"x86_64-unknown-linux-gnu"},
				PGPKeyPath: "keys/rust.asc",
			},
			wantErr: "absolute path",
		},
		{
			name: "missing key",
			mc: MirrConfig{
				Channels:   []string{"stable"},
				Targets:    []string{"x86_64-unknown-linux-gnu"},
				PGPKeyPath: "/nonexistent/rust.asc",
			},
			wantErr: "does not exist",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.mc.Check()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	if err := c.Check(); err == nil {
		t.Error("config without dir should be rejected")
	}

	c.Dir = "relative/dir"
	if err := c.Check(); err == nil || !strings.Contains(err.Error(), "absolute") {
		t.Errorf("relative dir: err = %v", err)
	}

	c.Dir = "/srv/mirror"
	c.MaxConns = 0
	if err := c.Check(); err == nil {
		t.Error("max_conns = 0 should be rejected")
	}

	c.MaxConns = 4
	c.Export.Endpoint = "not a url"
	if err := c.Check(); err == nil {
		t.Error("invalid export endpoint should be rejected")
	}

	c.Export.Endpoint = "http://localhost:9000"
	if err := c.Check(); err != nil {
		t.Error(err)
	}
}

func TestTOMLURL(t *testing.T) {
	t.Parallel()

	var u tomlURL
	if err := u.UnmarshalText([]byte("ftp://example.com/")); err == nil {
		t.Error("ftp scheme should be rejected")
	}
	if err := u.UnmarshalText([]byte("https://example.com/a%20b")); err != nil {
		t.Fatal(err)
	}
	if u.Path != "/a b/" {
		t.Errorf("u.Path = %q", u.Path)
	}

	// unchanged when already terminated
	u = tomlURL{&url.URL{}}
	if err := u.UnmarshalText([]byte("http://example.com/rust/")); err != nil {
		t.Fatal(err)
	}
	if u.String() != "http://example.com/rust/" {
		t.Errorf("u = %q", u.String())
	}
}

func TestLogConfigApply(t *testing.T) {
	t.Parallel()

	for _, lc := range []LogConfig{{Level: "bogus"}, {Level: "info", Format: "xml"}} {
		if err := lc.Apply(); err == nil {
			t.Errorf("%+v should be rejected", lc)
		}
	}
}
