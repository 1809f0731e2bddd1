// Package main provides the CLI entry point for the hostwatch monitor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/hostwatch/internal/agent"
	"github.com/postalsys/hostwatch/internal/config"
	"github.com/postalsys/hostwatch/internal/health"
	"github.com/postalsys/hostwatch/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostwatch",
		Short: "hostwatch - ICMP liveness monitor",
		Long: `hostwatch sends ICMP echo requests to a configured set of hosts,
classifies every reply against per-host timeout and RTT limits, and
reports when a host goes down or comes back.

The host file is watched and changes are applied without a restart.
Raw ICMP sockets need root or CAP_NET_RAW.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(statusCmd())

	return root
}

// loadConfig reads the agent config, or the defaults when path is empty, and
// applies command-line overrides.
func loadConfig(path, hostsFile, logLevel string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if hostsFile != "" {
		cfg.Hosts.File = hostsFile
	}
	if logLevel != "" {
		if !logging.IsValidLevel(logLevel) {
			return nil, fmt.Errorf("invalid log level: %s", logLevel)
		}
		cfg.Agent.LogLevel = logLevel
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var configPath, hostsFile, logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor",
		Long:  "Start monitoring every host in the host file until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, hostsFile, logLevel)
			if err != nil {
				return err
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := a.Start(); err != nil {
				a.Stop()
				return fmt.Errorf("failed to start agent: %w", err)
			}

			fmt.Printf("Monitoring %d hosts from %s\n", a.Stats().HostCount, cfg.Hosts.File)
			if cfg.HTTP.Enabled {
				fmt.Printf("Status server: %s\n", cfg.HTTP.Address)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// The supervisor enforces the grace period; the extra second
			// covers the status server and log flush.
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod+time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Monitor stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&hostsFile, "hosts", "", "Path to host file (overrides hosts.file)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, critical")

	return cmd
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show host status from a running monitor",
		Long:  "Query the status server of a running monitor and print one line per host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + address + "/hosts")
			if err != nil {
				return fmt.Errorf("query status server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status server returned %s", resp.Status)
			}

			var statuses []health.HostStatus
			if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tADDRESS\tSTATE\tSENT\tLOSS\tAVG RTT\tLAST")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f%%\t%.2fms\t%s\n",
					s.Host, s.Address, s.State, humanize.Comma(int64(s.Sent)),
					s.LossPercent, s.AvgRTTMs, s.LastOutcome)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:9090", "Status server address")

	return cmd
}
