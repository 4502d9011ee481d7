package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/flutterbridge"
	"github.com/shaharia-lab/flutterbridge/config"
	"github.com/shaharia-lab/flutterbridge/discovery"
	"github.com/shaharia-lab/flutterbridge/history"
	"github.com/shaharia-lab/flutterbridge/vmservice"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("transport", "t", "stdio", "transport: stdio or sse")
	serveCmd.Flags().StringP("address", "a", "127.0.0.1:8080", "listen address for the sse transport")
	serveCmd.Flags().Bool("process-scan", false, "also probe ports opened by dart/flutter processes")
	serveCmd.Flags().String("wire-version-key", "protocolVersion", "envelope key carrying the JSON-RPC version")
	serveCmd.Flags().String("history-driver", history.DriverMemory, "instance history: none, memory, sqlite3, postgres")
	serveCmd.Flags().String("history-dsn", "", "instance history database (file path or postgres URL)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Flutter tools over stdio or SSE",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, c *config.Config) error {
	base, err := flutterbridge.NewBaseServer(
		flutterbridge.UseLogger(logger),
		flutterbridge.UseServerInfo(c.Server.Name, c.Server.Version),
		flutterbridge.UseLogLevel(notificationLevel(c.Log.Level)),
		flutterbridge.UseSSEServerAddress(c.Server.Address),
		flutterbridge.UseDialect(c.WireDialect()),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	mgr := flutterbridge.NewConnectionManager(func() flutterbridge.VMClient {
		return newVMClient(c)
	}, flutterbridge.UseManagerLogger(logger), flutterbridge.UseEventSink(flutterbridge.ForwardEvents(base)))
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.WithErr(err).Warn("Failed to close VM service connections")
		}
	}()

	store, err := history.Open(ctx, c.History.Driver, c.History.DSN, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	tc := toolsConfig(c)
	tc.History = store
	if err := base.AddTools(flutterbridge.FlutterTools(mgr, newDiscoverer(c), tc)...); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"transport": c.Server.Transport,
		"dialect":   c.Wire.VersionField,
	}).Info("Starting flutterbridge server")

	switch c.Server.Transport {
	case "sse":
		server := flutterbridge.NewSSEServer(base)
		server.SetAddress(c.Server.Address)
		return server.Run(ctx)
	default:
		err := flutterbridge.NewStdIOServer(base, os.Stdin, os.Stdout).Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func newVMClient(c *config.Config) *vmservice.Client {
	return vmservice.NewClient(nil,
		vmservice.UseDialect(c.VMDialect()),
		vmservice.UseConnectTimeout(c.VMService.ConnectTimeout),
		vmservice.UseCallTimeout(c.VMService.CallTimeout),
		vmservice.UseLogger(logger),
	)
}

func newDiscoverer(c *config.Config) *discovery.Discoverer {
	return discovery.NewDiscoverer(
		discovery.UseLogger(logger),
		discovery.UseDialect(c.VMDialect()),
		discovery.UseConcurrency(c.Discovery.Concurrency),
		discovery.UseRateLimit(c.Discovery.Rate, c.Discovery.Burst),
	)
}

func toolsConfig(c *config.Config) flutterbridge.ToolsConfig {
	tc := flutterbridge.DefaultToolsConfig()
	tc.Host = c.Discovery.Host
	tc.PortStart = c.Discovery.PortStart
	tc.PortEnd = c.Discovery.PortEnd
	tc.ProbeTimeout = c.Discovery.ProbeTimeout
	tc.ProcessScan = c.Discovery.ProcessScan
	tc.ProcessNames = c.Discovery.ProcessNames
	tc.Logger = logger
	return tc
}

// notificationLevel maps the process log level onto the syslog names used by
// notifications/message.
func notificationLevel(level string) flutterbridge.LogLevel {
	switch level {
	case "debug":
		return flutterbridge.LogLevelDebug
	case "warn":
		return flutterbridge.LogLevelWarning
	case "error":
		return flutterbridge.LogLevelError
	default:
		return flutterbridge.LogLevelInfo
	}
}
