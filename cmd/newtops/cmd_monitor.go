package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtops/pkg/metrics"
	"github.com/newtron-network/newtops/pkg/routemon"
	"github.com/newtron-network/newtops/pkg/util"
)

var (
	onceFlag        bool
	intervalFlag    time.Duration
	tableFlags      []string
	metricsAddrFlag string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch device route tables for changes",
	Long: `Watch device route tables for changes.

Each cycle snapshots the configured routing tables on every device and
reports routes added, removed or flapped (same prefix and protocol, new
next hop) since the previous cycle. The first cycle records a baseline.
Runs until interrupted, or for one cycle with --once.

Examples:
  newtops monitor --once
  newtops monitor --interval 2m --table default --table Vrf-red
  newtops monitor --metrics-addr :9273`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if intervalFlag > 0 {
			cfg.Monitor.Interval = intervalFlag
		}
		if len(tableFlags) > 0 {
			cfg.Monitor.Tables = tableFlags
		}
		if metricsAddrFlag != "" {
			cfg.Metrics.Addr = metricsAddrFlag
		}

		creds, err := resolveCredentials(cfg)
		if err != nil {
			return err
		}
		emitters, err := newEmitters(cfg, "route_monitor")
		if err != nil {
			return err
		}
		defer closeEmitters(emitters)

		var sink routemon.DeltaSink = emitters
		if jsonOutput {
			sink = routemon.SinkFunc(func(ctx context.Context, c *routemon.CycleResult) error {
				if err := emitters.EmitCycle(ctx, c); err != nil {
					return err
				}
				return printJSON(c)
			})
		}
		log := util.WithOperation("monitor")
		sessions := newSessionManager(cfg, cfg.Monitor.Workers, log)
		mon := routemon.NewMonitor(sessions, creds, cfg.MonitorSettings(), routemon.WithSink(sink), routemon.WithLogger(log))
		opts := routemon.RunOptions{Once: onceFlag, Interval: cfg.Monitor.Interval}

		g, ctx := errgroup.WithContext(cmd.Context())
		if addr := cfg.Metrics.Addr; addr != "" && !onceFlag {
			g.Go(func() error {
				return metrics.Serve(ctx, addr)
			})
		}
		g.Go(func() error {
			if err := mon.Run(ctx, cfg.Devices, opts); err != nil {
				return err
			}
			// Ends the group so the metrics server shuts down too.
			return errMonitorStopped
		})
		if err := g.Wait(); !errors.Is(err, errMonitorStopped) {
			return err
		}
		log.Debug("Route monitor stopped")
		return nil
	},
}

var errMonitorStopped = errors.New("route monitor stopped")

func init() {
	monitorCmd.Flags().BoolVar(&onceFlag, "once", false, "Run a single cycle and exit")
	monitorCmd.Flags().DurationVar(&intervalFlag, "interval", 0, "Pause between cycles (overrides monitor.interval)")
	monitorCmd.Flags().StringArrayVar(&tableFlags, "table", nil, "Routing table to watch; repeatable (overrides monitor.tables)")
	monitorCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address")
	addOutputFlags(monitorCmd)
}
