// Newtops - SONiC fleet operations
//
// Batch software upgrades, upgrade readiness checks and route table
// monitoring for a fleet of SONiC switches.
//
// Commands:
//
//	newtops upgrade   --image /var/tmp/sonic-4.1.0.bin --version 4.1.0
//	newtops precheck  --image /var/tmp/sonic-4.1.0.bin
//	newtops monitor   --interval 5m --table default --table Vrf-red
//	newtops settings  show|set|clear
//	newtops version
//
// The run configuration (devices, credentials, timeouts, reports) comes
// from -c, the config_path setting, or ./newtops.yaml. Command flags
// override configured values.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtops/pkg/config"
	"github.com/newtron-network/newtops/pkg/settings"
	"github.com/newtron-network/newtops/pkg/util"
	"github.com/newtron-network/newtops/pkg/version"
)

var (
	// Global option flags
	configPath string
	verbose    bool
	logJSON    bool

	// Global state
	userSettings *settings.Settings
)

// errDevicesFailed is returned when the command ran but at least one
// device failed; the summary has already been printed.
var errDevicesFailed = errors.New("one or more devices failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, errDevicesFailed) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "newtops",
	Short:             "SONiC fleet upgrade and route monitoring",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Newtops upgrades, prechecks and monitors fleets of SONiC switches.

Devices and credentials come from the run configuration (-c). Every device
is handled independently: one device failing never stops the others.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set log level: quiet by default, verbose on -v
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}
		if logJSON {
			util.SetJSONFormat()
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Run configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "fleet", Title: "Fleet Operations:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)

	for _, cmd := range []*cobra.Command{upgradeCmd, precheckCmd, monitorCmd} {
		cmd.GroupID = "fleet"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{settingsCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion("newtops")
	},
}

func printVersion(tool string) {
	if version.Version == "dev" {
		fmt.Printf("%s dev build (use 'make build' for version info)\n", tool)
	} else {
		fmt.Printf("%s %s (%s)\n", tool, version.Version, version.GitCommit)
	}
}

// loadConfig reads the run configuration: -c, then the config_path
// setting, then ./newtops.yaml. Settings overrides are applied on top.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = userSettings.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if userSettings.ReportDir != "" {
		cfg.Report.Dir = userSettings.ReportDir
	}
	if userSettings.Workers > 0 {
		cfg.Upgrade.Workers = userSettings.Workers
		cfg.Monitor.Workers = userSettings.Workers
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = userSettings.MetricsAddr
	}
	util.Debugf("Loaded %d device(s) from %s", len(cfg.Devices), path)
	return cfg, nil
}
