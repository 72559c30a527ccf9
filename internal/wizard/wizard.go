// Package wizard provides the interactive setup wizard behind
// "relaybridge init".
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/certutil"
	"github.com/postalsys/relaybridge/internal/config"
)

// TLS setup choices.
const (
	TLSGenerate  = "generate"
	TLSExisting  = "existing"
	TLSPlainText = "plaintext"
)

// Answers collects everything the wizard asks.
type Answers struct {
	ConfigPath string
	CertsDir   string

	ListenAddr string
	Path       string

	TLSChoice   string
	CertFile    string
	KeyFile     string
	Fingerprint string

	Secret     string
	HashSecret bool

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string

	// Secret is the client token. It is shown once when only its hash is
	// stored in the config.
	Secret string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := Answers{
		ConfigPath:     "./relaybridge.yaml",
		CertsDir:       "./certs",
		ListenAddr:     "0.0.0.0:8443",
		Path:           "/relay",
		LogLevel:       "info",
		HealthEnabled:  true,
		ControlEnabled: true,
	}

	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askNetworkConfig,
		w.askTLSSetup,
		w.askAuth,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		Secret:     a.Secret,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
          _             _          _     _
 _ __ ___| | __ _ _   _| |__  _ __(_) __| | __ _  ___
| '__/ _ \ |/ _' | | | | '_ \| '__| |/ _' |/ _' |/ _ \
| | |  __/ | (_| | |_| | |_) | |  | | (_| | (_| |  __/
|_|  \___|_|\__,_|\__, |_.__/|_|  |_|\__,_|\__, |\___|
                  |___/                    |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Requester/Agent WebSocket Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the relay configuration is written."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder(a.ConfigPath).
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Where requesters and agents connect."),

			huh.NewInput().
				Title("Listen Address").
				Placeholder(a.ListenAddr).
				Value(&a.ListenAddr).
				Validate(validateListenAddr),

			huh.NewInput().
				Title("WebSocket Path").
				Placeholder(a.Path).
				Value(&a.Path).
				Validate(validatePath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askTLSSetup(a *Answers) error {
	a.TLSChoice = TLSGenerate

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("Clients pin self-signed certificates by fingerprint."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate a self-signed certificate (Recommended)", TLSGenerate),
					huh.NewOption("Use existing certificate files", TLSExisting),
					huh.NewOption("No TLS (behind a TLS-terminating reverse proxy)", TLSPlainText),
				).
				Value(&a.TLSChoice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	switch a.TLSChoice {
	case TLSGenerate:
		return w.generateCertificate(a)
	case TLSExisting:
		return w.useExistingCertificate(a)
	}
	return nil
}

func (w *Wizard) generateCertificate(a *Answers) error {
	commonName := "relaybridge"
	validDays := 365

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Common Name").
				Description("Hostname clients use to reach the relay").
				Placeholder(commonName).
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Placeholder("365").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					validDays = d
					return nil
				}),

			huh.NewInput().
				Title("Certificates Directory").
				Placeholder(a.CertsDir).
				Value(&a.CertsDir),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	opts := certutil.DefaultOptions(commonName)
	opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
	if err := generateCertificate(a, opts); err != nil {
		return err
	}

	fmt.Printf("\n✓ Generated certificate: %s\n", a.CertFile)
	fmt.Printf("  Fingerprint: %s\n\n", a.Fingerprint)
	return nil
}

// generateCertificate writes a self-signed pair into a.CertsDir.
func generateCertificate(a *Answers, opts certutil.Options) error {
	if err := os.MkdirAll(a.CertsDir, 0700); err != nil {
		return fmt.Errorf("failed to create certs directory: %w", err)
	}

	cert, err := certutil.Generate(opts)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	a.CertFile = filepath.Join(a.CertsDir, "relay.crt")
	a.KeyFile = filepath.Join(a.CertsDir, "relay.key")
	if err := cert.SaveToFiles(a.CertFile, a.KeyFile); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	a.Fingerprint = cert.Fingerprint()
	return nil
}

func (w *Wizard) useExistingCertificate(a *Answers) error {
	a.CertFile = filepath.Join(a.CertsDir, "relay.crt")
	a.KeyFile = filepath.Join(a.CertsDir, "relay.key")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Value(&a.CertFile).
				Validate(fileExists),
			huh.NewInput().
				Title("Private Key File").
				Value(&a.KeyFile).
				Validate(fileExists),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if _, err := certutil.Load(a.CertFile, a.KeyFile); err != nil {
		return fmt.Errorf("invalid certificate: %w", err)
	}
	fp, err := certutil.FingerprintFromFile(a.CertFile)
	if err != nil {
		return err
	}
	a.Fingerprint = fp
	return nil
}

func (w *Wizard) askAuth(a *Answers) error {
	generate := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authentication").
				Description("Requesters and agents present one shared token."),

			huh.NewConfirm().
				Title("Generate a random token?").
				Value(&generate),

			huh.NewConfirm().
				Title("Store only a bcrypt hash of the token?").
				Description("The token is shown once and must be copied to the clients").
				Value(&a.HashSecret),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if generate {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		a.Secret = secret
		return nil
	}

	tokenForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Token").
				EchoMode(huh.EchoModePassword).
				Value(&a.Secret).
				Validate(validateSecret),
		),
	).WithTheme(w.theme)

	return tokenForm.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, sessions)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns answers into a validated configuration.
func buildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Log.Level = a.LogLevel
	cfg.Relay.Address = a.ListenAddr
	cfg.Relay.Path = a.Path

	switch a.TLSChoice {
	case TLSPlainText:
		cfg.Relay.PlainText = true
	default:
		cfg.Relay.TLS = config.TLSConfig{Cert: a.CertFile, Key: a.KeyFile}
	}

	if a.HashSecret {
		hash, err := auth.HashSecret(a.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash token: %w", err)
		}
		cfg.Auth.SecretHash = hash
	} else {
		cfg.Auth.SharedSecret = a.Secret
	}

	cfg.Health.Enabled = a.HealthEnabled
	cfg.Control.Enabled = a.ControlEnabled

	relayURL := clientURL(a)
	cfg.Agent.RelayURL = relayURL
	cfg.Agent.TLS.Fingerprint = a.Fingerprint
	cfg.Requester.RelayURL = relayURL
	cfg.Requester.TLS.Fingerprint = a.Fingerprint
	if !a.HashSecret {
		cfg.Agent.Token = a.Secret
		cfg.Requester.Token = a.Secret
	}

	if err := cfg.ValidateRelay(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clientURL is the URL clients on this host would dial.
func clientURL(a Answers) string {
	scheme := "wss"
	if a.TLSChoice == TLSPlainText {
		scheme = "ws"
	}
	host, port, err := net.SplitHostPort(a.ListenAddr)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + a.Path
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# relaybridge configuration
# Generated by "relaybridge init"

`
	// The file may hold the shared secret.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(a Answers, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", a.ConfigPath)
	fmt.Printf("  Relay:        %s\n", clientURL(a))
	fmt.Printf("  Read limit:   %s\n", cfg.Relay.ReadLimit)
	if a.Fingerprint != "" {
		fmt.Printf("  Fingerprint:  %s\n", a.Fingerprint)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if a.HashSecret {
		fmt.Println()
		fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("214")).
			Render("  Client token (shown once, only its hash was saved):"))
		fmt.Printf("    %s\n", a.Secret)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    relaybridge run -c %s\n", a.ConfigPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateListenAddr(s string) error {
	if s == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validatePath(s string) error {
	if s == "" || !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validateSecret(s string) error {
	if len(s) < 16 {
		return fmt.Errorf("token must be at least 16 characters")
	}
	return nil
}

func fileExists(s string) error {
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}
