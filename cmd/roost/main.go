package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skylift/roost/pkg/admin"
	"github.com/skylift/roost/pkg/clusterfs"
	"github.com/skylift/roost/pkg/config"
	"github.com/skylift/roost/pkg/credentials"
	"github.com/skylift/roost/pkg/events"
	"github.com/skylift/roost/pkg/identity"
	"github.com/skylift/roost/pkg/launcher"
	"github.com/skylift/roost/pkg/log"
	"github.com/skylift/roost/pkg/metrics"
	"github.com/skylift/roost/pkg/nmclient"
	"github.com/skylift/roost/pkg/rmclient"
	"github.com/skylift/roost/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "Roost - cluster-container supervisor",
	Long: `Roost is an application master that keeps a fleet of long-running
worker containers alive on a resource-managed cluster. It requests
containers, launches a worker in each grant, and replaces completed
containers under stable instance names until retries run out.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Roost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	superviseCmd.Flags().String("config", "roost.yaml", "Path to the configuration file")
	superviseCmd.Flags().String("application-id", "", "Override the application attempt id")
	rootCmd.AddCommand(superviseCmd)
}

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the container supervisor",
	Long: `Register with the resource manager, request the configured number of
worker containers and supervise them until shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		appID, _ := cmd.Flags().GetString("application-id")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if appID != "" {
			cfg.ApplicationID = appID
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		return runSupervisor(cfg)
	},
}

func runSupervisor(cfg *config.Config) error {
	var tokens *credentials.Blob
	if cfg.SecurityEnabled {
		loaded, err := credentials.LoadFile(cfg.TokenFile)
		if err != nil {
			return err
		}
		tokens, err = credentials.Pack(loaded)
		if err != nil {
			return fmt.Errorf("pack delegation tokens: %w", err)
		}
	}

	var fs clusterfs.FileSystem
	if cfg.FilesystemURL != "" {
		fs = clusterfs.NewWebFS(cfg.FilesystemURL)
	} else {
		fs = clusterfs.NewMemFS()
	}

	sup := supervisor.New(
		cfg,
		rmclient.NewREST(cfg.ResourceManagerURL, cfg.ApplicationID),
		nmclient.NewREST(cfg.NodeManagerPort),
		launcher.NewBuilder(cfg, fs, tokens),
		events.NewDispatcher(),
		identity.NewRegistry(cfg.ProcessKind, cfg.HelixInstanceMaxRetries),
	)

	if err := sup.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	metrics.SetComponent("supervisor", true, "")

	var adminSrv *admin.Server
	if cfg.AdminListen != "" {
		adminSrv = admin.NewServer(cfg.AdminListen, sup)
		adminSrv.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-sup.ShutdownRequested():
		log.Logger.Info().Msg("Shutdown requested, shutting down")
	}

	metrics.SetComponent("supervisor", false, "shutting down")
	sup.Stop()

	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminSrv.Stop(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("Failed to stop admin endpoint")
		}
	}
	return nil
}
