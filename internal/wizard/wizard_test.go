package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/certutil"
	"github.com/postalsys/relaybridge/internal/config"
)

func baseAnswers() Answers {
	return Answers{
		ConfigPath:     "relaybridge.yaml",
		ListenAddr:     "0.0.0.0:8443",
		Path:           "/relay",
		TLSChoice:      TLSGenerate,
		CertFile:       "certs/relay.crt",
		KeyFile:        "certs/relay.key",
		Fingerprint:    "sha256:abcd",
		Secret:         "0123456789abcdef0123",
		LogLevel:       "debug",
		HealthEnabled:  true,
		ControlEnabled: false,
	}
}

func TestNew(t *testing.T) {
	w := New()
	if w == nil || w.theme == nil {
		t.Fatal("New() returned wizard without theme")
	}
}

func TestBuildConfig(t *testing.T) {
	cfg, err := buildConfig(baseAnswers())
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Relay.Address != "0.0.0.0:8443" || cfg.Relay.Path != "/relay" {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Relay.PlainText {
		t.Error("PlainText should be false with a certificate")
	}
	if cfg.Relay.TLS.Cert != "certs/relay.crt" || cfg.Relay.TLS.Key != "certs/relay.key" {
		t.Errorf("Relay.TLS = %+v", cfg.Relay.TLS)
	}
	if cfg.Auth.SharedSecret != "0123456789abcdef0123" || cfg.Auth.SecretHash != "" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if !cfg.Health.Enabled || cfg.Control.Enabled {
		t.Errorf("Health.Enabled = %v, Control.Enabled = %v", cfg.Health.Enabled, cfg.Control.Enabled)
	}

	wantURL := "wss://localhost:8443/relay"
	if cfg.Agent.RelayURL != wantURL || cfg.Requester.RelayURL != wantURL {
		t.Errorf("client relay URLs = %q, %q, want %q", cfg.Agent.RelayURL, cfg.Requester.RelayURL, wantURL)
	}
	if cfg.Agent.TLS.Fingerprint != "sha256:abcd" || cfg.Requester.TLS.Fingerprint != "sha256:abcd" {
		t.Error("fingerprint not propagated to clients")
	}
	if cfg.Agent.Token != cfg.Auth.SharedSecret || cfg.Requester.Token != cfg.Auth.SharedSecret {
		t.Error("client tokens should match the shared secret")
	}
}

func TestBuildConfig_HashedSecret(t *testing.T) {
	a := baseAnswers()
	a.HashSecret = true

	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}
	if cfg.Auth.SharedSecret != "" {
		t.Error("plain secret stored alongside hash")
	}
	if cfg.Agent.Token != "" || cfg.Requester.Token != "" {
		t.Error("client tokens should be left empty when only the hash is stored")
	}

	v, err := auth.New("", cfg.Auth.SecretHash)
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	if !v.Validate(a.Secret) {
		t.Error("stored hash does not match the token")
	}
}

func TestBuildConfig_PlainText(t *testing.T) {
	a := baseAnswers()
	a.TLSChoice = TLSPlainText
	a.CertFile, a.KeyFile, a.Fingerprint = "", "", ""
	a.ListenAddr = "10.1.2.3:8080"

	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}
	if !cfg.Relay.PlainText {
		t.Error("PlainText = false")
	}
	if cfg.Agent.RelayURL != "ws://10.1.2.3:8080/relay" {
		t.Errorf("Agent.RelayURL = %q", cfg.Agent.RelayURL)
	}
}

func TestBuildConfig_Invalid(t *testing.T) {
	a := baseAnswers()
	a.Secret = ""

	if _, err := buildConfig(a); err == nil {
		t.Error("expected error without a secret")
	}

	a = baseAnswers()
	a.TLSChoice = TLSExisting
	a.CertFile = ""
	if _, err := buildConfig(a); err == nil || !strings.Contains(err.Error(), "relay.tls.cert") {
		t.Errorf("expected TLS validation error, got %v", err)
	}
}

func TestClientURL(t *testing.T) {
	tests := []struct {
		listen string
		tls    string
		want   string
	}{
		{"0.0.0.0:8443", TLSGenerate, "wss://localhost:8443/relay"},
		{":9000", TLSPlainText, "ws://localhost:9000/relay"},
		{"[::]:9000", TLSExisting, "wss://localhost:9000/relay"},
		{"relay.example.com:443", TLSGenerate, "wss://relay.example.com:443/relay"},
		{"not-an-address", TLSGenerate, ""},
	}

	for _, tt := range tests {
		a := Answers{ListenAddr: tt.listen, TLSChoice: tt.tls, Path: "/relay"}
		if got := clientURL(a); got != tt.want {
			t.Errorf("clientURL(%q) = %q, want %q", tt.listen, got, tt.want)
		}
	}
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	cfg, err := buildConfig(baseAnswers())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "nested", "dir", "relaybridge.yaml")
	if err := writeConfig(cfg, path); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config permissions = %o, want 600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# relaybridge configuration") {
		t.Error("config file missing header comment")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if err := loaded.ValidateRelay(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
	if loaded.Relay.ReadLimit != cfg.Relay.ReadLimit {
		t.Errorf("ReadLimit = %v, want %v", loaded.Relay.ReadLimit, cfg.Relay.ReadLimit)
	}
	if loaded.Relay.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v", loaded.Relay.WriteTimeout)
	}
	if loaded.Agent.RelayURL != cfg.Agent.RelayURL {
		t.Errorf("Agent.RelayURL = %q", loaded.Agent.RelayURL)
	}
}

func TestGenerateCertificate(t *testing.T) {
	a := Answers{CertsDir: filepath.Join(t.TempDir(), "certs")}
	opts := certutil.DefaultOptions("relay.test")
	opts.ValidFor = 24 * time.Hour

	if err := generateCertificate(&a, opts); err != nil {
		t.Fatalf("generateCertificate() error = %v", err)
	}

	fp, err := certutil.FingerprintFromFile(a.CertFile)
	if err != nil {
		t.Fatal(err)
	}
	if fp != a.Fingerprint {
		t.Errorf("Fingerprint = %q, want %q", a.Fingerprint, fp)
	}
	if _, err := certutil.Load(a.CertFile, a.KeyFile); err != nil {
		t.Errorf("generated pair does not load: %v", err)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		input   string
		wantErr bool
	}{
		{"config yaml", validateConfigPath, "a.yaml", false},
		{"config yml", validateConfigPath, "a.yml", false},
		{"config json", validateConfigPath, "a.json", true},
		{"config empty", validateConfigPath, "", true},
		{"listen ok", validateListenAddr, "127.0.0.1:8443", false},
		{"listen no port", validateListenAddr, "127.0.0.1", true},
		{"listen empty", validateListenAddr, "", true},
		{"path ok", validatePath, "/relay", false},
		{"path relative", validatePath, "relay", true},
		{"secret short", validateSecret, "short", true},
		{"secret ok", validateSecret, "0123456789abcdef", false},
		{"file missing", fileExists, "/nonexistent/file", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
