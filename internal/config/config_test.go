package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeKeyFiles creates a JWKS and an OpenID configuration file in dir.
func writeKeyFiles(t *testing.T, dir string) (jwks, openid string) {
	t.Helper()
	jwks = filepath.Join(dir, "jwks.json")
	openid = filepath.Join(dir, "openid-configuration.json")
	if err := os.WriteFile(jwks, []byte(`{"keys":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(openid, []byte(`{"issuer":"https://proxy.example"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	return jwks, openid
}

// writeConfig writes a config file holding the required sections followed
// by extra, and returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	jwks, openid := writeKeyFiles(t, dir)
	path := filepath.Join(dir, "config.toml")
	data := `
[proxy]
uri = "https://proxy.example"

[upstream]
uri = "https://idp.example"

[keys]
jwks_file = "` + jwks + `"
openid_configuration_file = "` + openid + `"
` + extra
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[client]
id = "static-client"
secret = "s3cret"

[webid]
pattern = "https://id.example/:sub/profile#me"

[dpop]
max_age_seconds = 60
replay_check = "off"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Client.ID != "static-client" || cfg.Client.Secret != "s3cret" {
		t.Errorf("Client = %+v, want static-client/s3cret", cfg.Client)
	}
	if cfg.WebID.Pattern != "https://id.example/:sub/profile#me" {
		t.Errorf("WebID.Pattern = %q", cfg.WebID.Pattern)
	}
	if cfg.DPoP.MaxAgeSeconds != 60 {
		t.Errorf("DPoP.MaxAgeSeconds = %d, want 60", cfg.DPoP.MaxAgeSeconds)
	}
	if cfg.DPoP.ReplayCheck != "off" {
		t.Errorf("DPoP.ReplayCheck = %q, want off", cfg.DPoP.ReplayCheck)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Server.Host", cfg.Server.Host, "0.0.0.0"},
		{"Server.Port", cfg.Server.Port, 3003},
		{"Server.BodyMaxBytes", cfg.Server.BodyMaxBytes, int64(1024 * 1024)},
		{"Proxy.Paths.Auth", cfg.Proxy.Paths.Auth, "/auth"},
		{"Proxy.Paths.Token", cfg.Proxy.Paths.Token, "/token"},
		{"Proxy.Paths.Registration", cfg.Proxy.Paths.Registration, "/reg"},
		{"Proxy.Paths.Redirect", cfg.Proxy.Paths.Redirect, "/redirect"},
		{"Proxy.Paths.OpenIDConfiguration", cfg.Proxy.Paths.OpenIDConfiguration, "/.well-known/openid-configuration"},
		{"Upstream.AuthPath", cfg.Upstream.AuthPath, "/authorize"},
		{"Upstream.TokenPath", cfg.Upstream.TokenPath, "/oauth/token"},
		{"Upstream.ClientCredentialsPath", cfg.Upstream.ClientCredentialsPath, "/oauth/token"},
		{"Upstream.TimeoutSeconds", cfg.Upstream.TimeoutSeconds, 30},
		{"DPoP.MaxAgeSeconds", cfg.DPoP.MaxAgeSeconds, 120},
		{"DPoP.ReplayCheck", cfg.DPoP.ReplayCheck, "memory"},
		{"Store.Backend", cfg.Store.Backend, "memory"},
		{"Store.TTLSeconds", cfg.Store.TTLSeconds, 600},
		{"Log.Level", cfg.Log.Level, "info"},
		{"Log.Format", cfg.Log.Format, "json"},
		{"Metrics.Path", cfg.Metrics.Path, "/metrics"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("default %s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, `
[log]
level = "verbose"
`)))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOnly(t *testing.T) {
	jwks, openid := writeKeyFiles(t, t.TempDir())
	cfg, err := Load(&CLI{
		ProxyURI:                    "http://localhost:3003",
		UpstreamURI:                 "https://idp.example",
		JWKSFilePath:                jwks,
		OpenIDConfigurationFilePath: openid,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.URI != "http://localhost:3003" {
		t.Errorf("Proxy.URI = %q", cfg.Proxy.URI)
	}
	if cfg.Keys.JWKSFile != jwks {
		t.Errorf("Keys.JWKSFile = %q, want %q", cfg.Keys.JWKSFile, jwks)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:      path,
		ProxyURI:    "https://other-proxy.example",
		UpstreamURI: "https://other-idp.example",
		Host:        "127.0.0.1",
		Port:        3000,
		LogLevel:    "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Proxy.URI != "https://other-proxy.example" {
		t.Errorf("Proxy.URI = %q, want CLI override", cfg.Proxy.URI)
	}
	if cfg.Upstream.URI != "https://other-idp.example" {
		t.Errorf("Upstream.URI = %q, want CLI override", cfg.Upstream.URI)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_InvalidURIs(t *testing.T) {
	tests := []struct {
		name string
		cli  CLI
		want string
	}{
		{"relative proxy", CLI{ProxyURI: "/proxy"}, "proxy.uri"},
		{"ftp proxy", CLI{ProxyURI: "ftp://proxy.example"}, "proxy.uri"},
		{"hostless upstream", CLI{UpstreamURI: "https://"}, "upstream.uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := tt.cli
			cli.Config = writeConfig(t, "")
			_, err := Load(&cli)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoad_KeyFiles(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cli  CLI
		want string
	}{
		{"missing jwks", CLI{JWKSFilePath: filepath.Join(dir, "absent.json")}, "keys.jwks_file"},
		{"invalid jwks", CLI{JWKSFilePath: broken}, "keys.jwks_file"},
		{"invalid openid", CLI{OpenIDConfigurationFilePath: broken}, "keys.openid_configuration_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := tt.cli
			cli.Config = writeConfig(t, "")
			_, err := Load(&cli)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoad_Backends(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"redis store", "[store]\nbackend = \"redis\"\n[store.redis]\naddr = \"localhost:6379\"\n", ""},
		{"redis store without addr", "[store]\nbackend = \"redis\"\n", "store.redis.addr"},
		{"unknown store", "[store]\nbackend = \"etcd\"\n", "store.backend"},
		{"redis replay without addr", "[dpop]\nreplay_check = \"redis\"\n", "store.redis.addr"},
		{"unknown replay check", "[dpop]\nreplay_check = \"sometimes\"\n", "dpop.replay_check"},
		{"negative ttl", "[store]\nttl_seconds = -1\n", "store.ttl_seconds"},
		{"negative max age", "[dpop]\nmax_age_seconds = -1\n", "dpop.max_age_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.extra)))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Load() expected error mentioning %s, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"negative body limit", "[server]\nbody_max_bytes = -1\n", "server.body_max_bytes"},
		{"zero rate", "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n", "requests_per_second"},
		{"route without slash", "[proxy.paths]\ntoken = \"token\"\n", "proxy.paths.token"},
		{"webid without placeholder", "[webid]\npattern = \"https://id.example/profile#me\"\n", ":sub"},
		{"negative dpop age", "[dpop]\nmax_age_seconds = -5\n", "dpop.max_age_seconds"},
		{"negative store ttl", "[store]\nttl_seconds = -1\n", "store.ttl_seconds"},
		{"metrics path without slash", "[metrics]\nenabled = true\npath = \"metrics\"\n", "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.extra)))
			if err == nil {
				t.Fatalf("Load() expected error mentioning %s, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestWarnPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}

	tests := []struct {
		mode     os.FileMode
		wantWarn bool
	}{
		{0o644, true},
		{0o640, true},
		{0o600, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte("# client secret lives here"), 0o600); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(path, tt.mode); err != nil {
				t.Fatal(err)
			}

			var buf bytes.Buffer
			(&Config{filePath: path}).WarnPermissions(slog.New(slog.NewTextHandler(&buf, nil)))

			if got := strings.Contains(buf.String(), "readable by group/others"); got != tt.wantWarn {
				t.Errorf("warned = %v, want %v (log %q)", got, tt.wantWarn, buf.String())
			}
		})
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	(&Config{}).WarnPermissions(logger)
	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	path1 := filepath.Join(dir1, "config.toml")
	path2 := filepath.Join(dir2, "config.toml")
	for _, p := range []string{path1, path2} {
		if err := os.WriteFile(p, []byte("[upstream]\nuri = \"https://idp.example\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathConflictsWithRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"token exact", "/token"},
		{"token sub", "/token/metrics"},
		{"jwks", "/jwks"},
		{"healthz", "/healthz"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, `
[metrics]
enabled = true
path = "`+tt.path+`"
`)))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, `
[metrics]
enabled = false
path = "bad-no-slash"
`)))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestConfig_URLs(t *testing.T) {
	cfg := &Config{
		Proxy:    ProxyConfig{URI: "https://proxy.example/"},
		Upstream: UpstreamConfig{URI: "https://idp.example"},
	}
	if got := cfg.ProxyURL("/token"); got != "https://proxy.example/token" {
		t.Errorf("ProxyURL() = %q", got)
	}
	if got := cfg.UpstreamURL("/oauth/token"); got != "https://idp.example/oauth/token" {
		t.Errorf("UpstreamURL() = %q", got)
	}
	if got := cfg.Issuer(); got != "https://proxy.example" {
		t.Errorf("Issuer() = %q", got)
	}
}
