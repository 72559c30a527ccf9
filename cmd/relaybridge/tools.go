package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/relaybridge/internal/auth"
	"github.com/postalsys/relaybridge/internal/certutil"
	"github.com/postalsys/relaybridge/internal/config"
	"github.com/postalsys/relaybridge/internal/control"
)

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage relay TLS certificates",
	}
	cmd.AddCommand(certGenerateCmd())
	cmd.AddCommand(certInfoCmd())
	return cmd
}

func certGenerateCmd() *cobra.Command {
	var (
		commonName string
		hosts      []string
		days       int
		certPath   string
		keyPath    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a self-signed relay certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return errors.New("--days must be positive")
			}

			opts := certutil.DefaultOptions(commonName)
			opts.ValidFor = time.Duration(days) * 24 * time.Hour
			opts.Hosts = append(opts.Hosts, hosts...)

			cert, err := certutil.Generate(opts)
			if err != nil {
				return err
			}
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Private key: %s\n", keyPath)
			fmt.Printf("Expires:     %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			fmt.Println("\nPin the fingerprint in agent.tls.fingerprint and requester.tls.fingerprint.")
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "relaybridge", "Certificate common name")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "Additional DNS name or IP (repeatable)")
	cmd.Flags().IntVar(&days, "days", 365, "Validity in days")
	cmd.Flags().StringVar(&certPath, "cert", "./certs/relay.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyPath, "key", "./certs/relay.key", "Private key output path")
	return cmd
}

func certInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <cert-file>",
		Short: "Show certificate details and fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.DescribeFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Subject:     %s\n", info.Subject)
			fmt.Printf("Issuer:      %s\n", info.Issuer)
			fmt.Printf("Self-signed: %v\n", info.SelfSigned)
			fmt.Printf("Valid from:  %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("Valid until: %s (%s)\n", info.NotAfter.Format(time.RFC3339), humanize.Time(info.NotAfter))
			if len(info.DNSNames) > 0 {
				fmt.Printf("DNS names:   %s\n", strings.Join(info.DNSNames, ", "))
			}
			if len(info.IPAddresses) > 0 {
				fmt.Printf("IPs:         %s\n", strings.Join(info.IPAddresses, ", "))
			}
			fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
			return nil
		},
	}
}

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Print a bcrypt hash for auth.secret_hash",
		Long:  "Read a token from the terminal (or stdin) and print its bcrypt hash.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret()
			if err != nil {
				return err
			}
			hash, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Token: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	fmt.Fprint(os.Stderr, "Confirm: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("tokens do not match")
	}
	return string(first), nil
}

func socketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVarP(socketPath, "socket", "s", config.Default().Control.SocketPath, "Control socket path")
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the status of a running relay through its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			status, err := client.Status(context.Background())
			if err != nil {
				return fmt.Errorf("query %s: %w", socketPath, err)
			}

			fmt.Printf("Running:     %v\n", status.Running)
			fmt.Printf("Uptime:      %s\n", status.Uptime)
			fmt.Printf("Requesters:  %d\n", status.Requesters)
			fmt.Printf("Agents:      %d\n", status.Agents)
			fmt.Printf("Pairings:    %d\n", status.Pairings)
			fmt.Printf("Waiting:     %d\n", status.Waiting)
			return nil
		},
	}

	socketFlag(cmd, &socketPath)
	return cmd
}

func sessionsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List relay sessions",
		Long:  "Display every session registered with a running relay and its pairing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			resp, err := client.Sessions(context.Background())
			if err != nil {
				return fmt.Errorf("query %s: %w", socketPath, err)
			}

			if len(resp.Sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tID\tREMOTE\tCONNECTED\tPAIRED WITH")
			for _, s := range resp.Sessions {
				paired := s.PairedWith
				if paired == "" {
					paired = "-"
				}
				if !s.Active {
					paired += " (closing)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					s.Role, s.ID, s.RemoteAddr, humanize.Time(s.ConnectedAt), paired)
			}
			return tw.Flush()
		},
	}

	socketFlag(cmd, &socketPath)
	return cmd
}
