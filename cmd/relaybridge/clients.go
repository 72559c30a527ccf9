package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/relaybridge/internal/agent"
	"github.com/postalsys/relaybridge/internal/config"
	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/metrics"
	"github.com/postalsys/relaybridge/internal/peer"
	"github.com/postalsys/relaybridge/internal/requester"
	"github.com/postalsys/relaybridge/internal/transport"
)

// clientFlags override the relay URL and token from the config file.
type clientFlags struct {
	configPath string
	relayURL   string
	token      string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "./relaybridge.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&f.relayURL, "relay-url", "", "Relay URL (overrides config)")
	cmd.Flags().StringVar(&f.token, "token", "", "Access token (overrides config)")
}

// load reads the config file, falling back to defaults when the file is
// missing and flags supply the connection details.
func (f *clientFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || f.relayURL == "" {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = config.Default()
	}
	return cfg, nil
}

func reconnectConfig(r config.ReconnectConfig) peer.ReconnectConfig {
	return peer.ReconnectConfig{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		MaxAttempts:  r.MaxRetries,
		Jitter:       r.Jitter,
	}
}

func agentCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent (Client B)",
		Long:  "Connect to the relay as an agent and execute the HTTP requests it forwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if flags.relayURL != "" {
				cfg.Agent.RelayURL = flags.relayURL
			}
			if flags.token != "" {
				cfg.Agent.Token = flags.token
			}
			if err := cfg.ValidateAgent(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			a, err := agent.New(agent.Config{
				RelayURL:             cfg.Agent.RelayURL,
				Token:                cfg.Agent.Token,
				TLSConfig:            transport.ClientTLSConfig(cfg.Agent.TLS.Fingerprint, cfg.Agent.TLS.Insecure),
				PingInterval:         cfg.Agent.PingInterval,
				Reconnect:            reconnectConfig(cfg.Agent.Reconnect),
				MaxRequestsPerSecond: cfg.Agent.MaxRequestsPerSecond,
				Burst:                cfg.Agent.Burst,
				Executor: agent.ExecutorConfig{
					AllowedDomains: cfg.Agent.AllowedDomains,
					RequestTimeout: cfg.Agent.RequestTimeout,
					MaxBodySize:    int64(cfg.Agent.MaxBodySize),
				},
				Logger:  logger,
				Metrics: metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Agent connecting to %s\n", cfg.Agent.RelayURL)
			if len(cfg.Agent.AllowedDomains) > 0 {
				fmt.Printf("Allowed domains: %v\n", cfg.Agent.AllowedDomains)
			}

			if err := a.Run(ctx); err != nil {
				return err
			}
			fmt.Println("Agent stopped.")
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func requesterCmd() *cobra.Command {
	var flags clientFlags
	var listen string

	cmd := &cobra.Command{
		Use:   "requester",
		Short: "Run the requester proxy (Client A)",
		Long:  "Serve a local HTTP proxy that forwards requests through the relay to the paired agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if flags.relayURL != "" {
				cfg.Requester.RelayURL = flags.relayURL
			}
			if flags.token != "" {
				cfg.Requester.Token = flags.token
			}
			if listen != "" {
				cfg.Requester.Listen = listen
			}
			if err := cfg.ValidateRequester(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			p, err := requester.New(requester.Config{
				RelayURL:        cfg.Requester.RelayURL,
				Token:           cfg.Requester.Token,
				TLSConfig:       transport.ClientTLSConfig(cfg.Requester.TLS.Fingerprint, cfg.Requester.TLS.Insecure),
				Listen:          cfg.Requester.Listen,
				ResponseTimeout: cfg.Requester.ResponseTimeout,
				MaxBodySize:     int64(cfg.Requester.MaxBodySize),
				PingInterval:    cfg.Requester.PingInterval,
				Reconnect:       reconnectConfig(cfg.Requester.Reconnect),
				Logger:          logger,
				Metrics:         metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create requester: %w", err)
			}

			if err := p.Start(); err != nil {
				return err
			}
			fmt.Printf("Requester proxy listening on http://%s\n", p.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := p.Stop(ctx); err != nil {
				return err
			}
			fmt.Println("Requester stopped.")
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&listen, "listen", "", "Local proxy listen address (overrides config)")
	return cmd
}
