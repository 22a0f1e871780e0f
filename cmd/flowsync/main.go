package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/flowsync/pkg/client"
	"github.com/cuemby/flowsync/pkg/config"
	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/manifest"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/params"
	"github.com/cuemby/flowsync/pkg/storage"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowsync",
	Short: "flowsync - declarative state for data-flow clusters",
	Long: `flowsync reconciles a data-flow cluster to flow declarations kept in
YAML files: parameter contexts, process groups, controller services,
processors and connections.

It computes the changes between the declared and the live state, orders
them so dependencies come first, stops and restarts components around
updates, and retries on concurrent modification.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flowsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "flowsync.yaml", "Configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// no configuration needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "flowsync version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// setup loads the configuration, applies flag overrides and initializes
// logging
func setup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		loaded.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		loaded.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	applyReconcileFlags(cmd, loaded)
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(loaded.Log.Level),
		JSONOutput: loaded.Log.JSON,
		Output:     os.Stderr,
	})
	metrics.SetVersion(Version)
	cfg = loaded
	return nil
}

// addReconcileFlags registers the flags shared by apply, plan and watch
func addReconcileFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("file", "f", nil, "Declaration file or directory (repeatable)")
	cmd.Flags().String("deletion", "", "Deletion mode: authoritative or overlay (required unless configured)")
	cmd.Flags().String("on-failure", "", "Failure policy: halt or skip")
	cmd.Flags().String("target", "", "Process group id the declarations are reconciled into")
}

func applyReconcileFlags(cmd *cobra.Command, c *config.Config) {
	if f := cmd.Flags().Lookup("file"); f != nil && f.Changed {
		c.Manifests, _ = cmd.Flags().GetStringSlice("file")
	}
	if f := cmd.Flags().Lookup("deletion"); f != nil && f.Changed {
		c.Reconcile.Deletion = f.Value.String()
	}
	if f := cmd.Flags().Lookup("on-failure"); f != nil && f.Changed {
		c.Reconcile.OnFailure = f.Value.String()
	}
	if f := cmd.Flags().Lookup("target"); f != nil && f.Changed {
		c.Reconcile.Root = f.Value.String()
	}
}

// loadDesired reads the declarations and resolves their parameters
func loadDesired() (*types.DesiredNode, error) {
	if len(cfg.Manifests) == 0 {
		return nil, fmt.Errorf("no declarations given: use -f or set manifests in the configuration")
	}
	m, err := manifest.Load(cfg.Manifests...)
	if err != nil {
		return nil, err
	}
	desired, err := m.Desired(cfg.Reconcile.Root)
	if err != nil {
		return nil, err
	}

	layers := make([]params.Values, 0, len(cfg.Parameters.Files)+1)
	for _, file := range cfg.Parameters.Files {
		v, err := params.FromFile(file)
		if err != nil {
			return nil, err
		}
		layers = append(layers, v)
	}
	layers = append(layers, params.FromEnvironment(os.Environ(), cfg.Parameters.EnvPrefix))
	params.Apply(desired, params.Merge(layers...))
	return desired, nil
}

func newClient() (*client.Client, error) {
	cc := cfg.ClientConfig()
	cc.UserAgent = "flowsync/" + Version
	return client.NewClient(cc)
}

// logout ends the login session, if any, when a command is done with c
func logout(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Logout(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to log out")
	}
}

// openHistory opens the run history, or returns nil when it is disabled
func openHistory() (*storage.BoltStore, error) {
	if cfg.History.Dir == "" {
		return nil, nil
	}
	return storage.NewBoltStore(cfg.History.Dir)
}
