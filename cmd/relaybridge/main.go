// Package main provides the CLI entry point for relaybridge.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/config"
	"github.com/postalsys/relaybridge/internal/control"
	"github.com/postalsys/relaybridge/internal/health"
	"github.com/postalsys/relaybridge/internal/logging"
	"github.com/postalsys/relaybridge/internal/metrics"
	"github.com/postalsys/relaybridge/internal/relay"
	"github.com/postalsys/relaybridge/internal/session"
	"github.com/postalsys/relaybridge/internal/transport"
	"github.com/postalsys/relaybridge/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaybridge",
		Short: "relaybridge - WebSocket relay between requesters and agents",
		Long: `relaybridge pairs a requester (an outward-facing HTTP proxy) with an
agent inside a private network and forwards request/response envelopes
between them over WebSocket. Neither side connects to the other directly.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(requesterCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(hashSecretCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a relay configuration interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		Long:  "Start the relay server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			validator, err := auth.New(cfg.Auth.SharedSecret, cfg.Auth.SecretHash)
			if err != nil {
				return err
			}

			defaultRole, err := session.ParseRole(cfg.Pairing.DefaultRole)
			if err != nil {
				return fmt.Errorf("pairing.default_role: %w", err)
			}

			var tlsConfig *tls.Config
			if !cfg.Relay.PlainText {
				tlsConfig, err = transport.LoadTLSConfig(cfg.Relay.TLS.Cert, cfg.Relay.TLS.Key)
				if err != nil {
					return err
				}
			}

			srv, err := relay.New(relay.Config{
				Address:      cfg.Relay.Address,
				Path:         cfg.Relay.Path,
				TLSConfig:    tlsConfig,
				PlainText:    cfg.Relay.PlainText,
				ReadLimit:    int64(cfg.Relay.ReadLimit),
				WriteTimeout: cfg.Relay.WriteTimeout,
				Validator:    validator,
				DefaultRole:  defaultRole,
				Logger:       logger,
				Metrics:      metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}
			fmt.Printf("Relay listening on %s%s\n", srv.Addr(), cfg.Relay.Path)

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, relayStats{srv})
				if err := healthSrv.Start(); err != nil {
					srv.Stop(context.Background())
					return fmt.Errorf("failed to start health server: %w", err)
				}
				fmt.Printf("Health server: http://%s/health\n", healthSrv.Address())
			}

			var controlSrv *control.Server
			if cfg.Control.Enabled {
				controlCfg := control.DefaultServerConfig()
				controlCfg.SocketPath = cfg.Control.SocketPath
				controlSrv = control.NewServer(controlCfg, srv)
				if err := controlSrv.Start(); err != nil {
					logger.Warn("control socket disabled",
						logging.KeyAddress, cfg.Control.SocketPath,
						logging.KeyError, err)
					controlSrv = nil
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if controlSrv != nil {
				controlSrv.Stop()
			}
			if healthSrv != nil {
				healthSrv.Stop()
			}
			if err := srv.Stop(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relaybridge.yaml", "Path to configuration file")

	return cmd
}

// relayStats adapts the relay server to the health endpoints.
type relayStats struct {
	srv *relay.Server
}

func (r relayStats) IsRunning() bool {
	return r.srv.IsRunning()
}

func (r relayStats) Stats() health.Stats {
	s := r.srv.Stats()
	return health.Stats{
		Requesters:  s.Requesters,
		Agents:      s.Agents,
		Pairings:    s.Pairings,
		Connections: s.Connections,
		Uptime:      r.srv.Uptime(),
	}
}
