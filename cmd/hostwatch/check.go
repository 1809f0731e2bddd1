package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/hostwatch/internal/hosts"
	"github.com/postalsys/hostwatch/internal/reconcile"
)

func checkCmd() *cobra.Command {
	var configPath, hostsFile string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and host file",
		Long:  "Parse the agent config and host file, print the host table and exit non-zero on any problem.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, hostsFile, "")
			if err != nil {
				return err
			}

			set, err := hosts.Load(cfg.Hosts.File)
			if err != nil {
				return err
			}

			printHosts(cmd.OutOrStdout(), set)

			if set.Len() > reconcile.MaxHosts {
				return fmt.Errorf("%w: %d hosts configured, limit is %d",
					reconcile.ErrCapacityExceeded, set.Len(), reconcile.MaxHosts)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s OK: %d hosts\n", cfg.Hosts.File, set.Len())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&hostsFile, "hosts", "", "Path to host file (overrides hosts.file)")

	return cmd
}

func printHosts(out io.Writer, set hosts.HostSet) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tTIMEOUT\tMAX RTT\tINTERVAL\tPAYLOAD")
	for _, name := range set.Keys() {
		hc := set[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			name, hc.Timeout(), hc.MaxRTT(), hc.SleepPeriod(),
			humanize.Bytes(uint64(hc.PacketSizeBytes)))
	}
	w.Flush()
}
