package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sentinelops/scp/pkg/api"
	"github.com/sentinelops/scp/pkg/audit"
	"github.com/sentinelops/scp/pkg/binarycache"
	"github.com/sentinelops/scp/pkg/dispatcher"
	"github.com/sentinelops/scp/pkg/events"
	"github.com/sentinelops/scp/pkg/inventory"
	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/metrics"
	"github.com/sentinelops/scp/pkg/options"
	"github.com/sentinelops/scp/pkg/remoteadmin"
	"github.com/sentinelops/scp/pkg/schedule"
	"github.com/sentinelops/scp/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const collectorBinaryName = "Sysmon64.exe"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scpd",
	Short: "SCP - centralized control plane for Sysmon fleets",
	Long: `SCP manages the Sysmon endpoint collector across Windows fleets:
configuration versioning, deployments over agentless push or resident
agents, inventory reconciliation and noise analysis.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"scpd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane server",
	Long: `Run the control-plane server: opens the store (applying any pending
schema migrations), starts the deployment dispatcher, inventory scanner
and schedule engine, and serves the agent API until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		opts := options.Default()
		if configPath != "" {
			loaded, err := options.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load options: %w", err)
			}
			opts = loaded
		}
		if listenAddr != "" {
			opts.ListenAddr = listenAddr
		}
		if dataDir != "" {
			opts.DataDir = dataDir
		}
		options.Set(opts)

		log.Init(log.Config{
			Level:      log.Level(opts.LogLevel),
			JSONOutput: opts.LogJSON,
		})
		logger := log.WithComponent("scpd")
		logger.Info().Str("version", Version).Str("data_dir", opts.DataDir).Msg("Starting SCP server")

		metrics.SetVersion(Version)

		store, err := storage.NewBoltStore(opts.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
		metrics.UpdateComponent("store", true, "")

		cacheDir := opts.BinaryCacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(opts.DataDir, "binaries")
		}
		cache, err := binarycache.New(cacheDir, collectorBinaryName)
		if err != nil {
			return fmt.Errorf("failed to open binary cache: %w", err)
		}

		auditRec, err := audit.NewRecorder(store, opts.AuditFilePath)
		if err != nil {
			return fmt.Errorf("failed to open audit recorder: %w", err)
		}
		defer auditRec.Close()
		cache.SetRecorder(auditRec)

		if _, err := cache.Latest(); err != nil {
			warn := logger.Warn().Str("cache_dir", cacheDir)
			if opts.BinaryDownloadURL != "" {
				warn = warn.Str("download_url", opts.BinaryDownloadURL)
			}
			warn.Msg("Binary cache is empty, collector installs will fail until it is seeded")
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// The push transport is host-platform specific and injected here;
		// without one, push operations fail per host with a fixed message
		// while the agent path keeps working.
		remote := remoteadmin.NullRemoteAdmin{}
		files := remoteadmin.NullFileTransfer{}

		disp := dispatcher.New(store, remote, files, cache, broker, auditRec)
		disp.Start()
		defer disp.Stop()
		metrics.UpdateComponent("dispatcher", true, "")

		scanner := inventory.NewScanner(store, remote, broker, auditRec)
		scanner.Start()
		defer scanner.Stop()

		sched := schedule.NewEngine(store, disp, auditRec)
		sched.Start()
		defer sched.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := api.NewServer(store, broker, disp, auditRec)
		metrics.UpdateComponent("api", true, "")

		if err := server.Run(ctx, opts.ListenAddr, opts.TLSCertFile, opts.TLSKeyFile); err != nil {
			metrics.UpdateComponent("api", false, err.Error())
			return err
		}

		logger.Info().Msg("Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the scp.yaml options file")
	serveCmd.Flags().String("listen-addr", "", "Listen address override (default from options)")
	serveCmd.Flags().String("data-dir", "", "Data directory override (default from options)")
}
