package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/flutterbridge/discovery"
	"github.com/shaharia-lab/flutterbridge/history"
)

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().String("host", discovery.DefaultHost, "host to scan")
	discoverCmd.Flags().Int("port-start", 8080, "first port of the scan range")
	discoverCmd.Flags().Int("port-end", 8200, "last port of the scan range")
	discoverCmd.Flags().Duration("probe-timeout", discovery.DefaultProbeTimeout, "timeout of each probe")
	discoverCmd.Flags().Int("concurrency", discovery.DefaultConcurrency, "probes in flight")
	discoverCmd.Flags().Bool("process-scan", false, "also probe ports opened by dart/flutter processes")
	discoverCmd.Flags().String("history-driver", history.DriverMemory, "instance history: none, memory, sqlite3, postgres")
	discoverCmd.Flags().String("history-dsn", "", "instance history database (file path or postgres URL)")
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List running Flutter applications as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d := cfg.Discovery

		candidates, err := discovery.PortRange(d.Host, d.PortStart, d.PortEnd)
		if err != nil {
			return err
		}
		if d.ProcessScan {
			listening, err := discovery.ListeningEndpoints(ctx, d.ProcessNames)
			if err != nil {
				logger.WithErr(err).Warn("Process scan failed, using the port range only")
			} else {
				candidates = append(candidates, listening...)
			}
		}

		store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN, logger)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
			recent, err := store.Recent(ctx, 0)
			if err != nil {
				logger.WithErr(err).Warn("Failed to read instance history")
			}
			candidates = append(candidates, history.Endpoints(recent)...)
		}

		instances, err := newDiscoverer(cfg).Discover(ctx, candidates, d.ProbeTimeout)
		if err != nil {
			return err
		}
		if store != nil {
			if err := store.Record(ctx, instances); err != nil {
				logger.WithErr(err).Warn("Failed to record discovered instances")
			}
		}

		out, err := json.MarshalIndent(instances, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode instances: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
