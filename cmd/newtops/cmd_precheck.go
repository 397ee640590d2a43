package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/report"
	"github.com/newtron-network/newtops/pkg/util"
)

var precheckCmd = &cobra.Command{
	Use:   "precheck",
	Short: "Check upgrade readiness without changing anything",
	Long: `Check upgrade readiness without changing anything.

Runs the upgrade prechecks on every configured device: reachability,
pending software operations, staged image presence and free disk space.
Nothing is installed. The exit status is non-zero if any device has a
blocking failure.

Examples:
  newtops precheck --image /var/tmp/sonic-4.1.0.bin
  newtops precheck --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if imageFlag != "" {
			cfg.Upgrade.Image = imageFlag
		}
		ctx := cmd.Context()

		creds, err := resolveCredentials(cfg)
		if err != nil {
			return err
		}
		log := util.WithOperation("precheck")
		workers := cfg.Upgrade.Workers
		sessions := newSessionManager(cfg, workers, log)
		pc := precheck.New(sessions.Provider(), cfg.PrecheckConfig(), log)

		emitters, err := newEmitters(cfg, "precheck")
		if err != nil {
			return err
		}
		defer closeEmitters(emitters)

		b, err := pc.RunBatch(ctx, sessions, cfg.Devices, creds, cfg.Upgrade.Image, workers)
		if err != nil {
			return err
		}

		if err := emitters.EmitPrecheck(b); err != nil {
			util.Warnf("Writing precheck report: %v", err)
		}
		if path := junitPath(cfg, junitFlag, "precheck"); path != "" {
			if err := report.WritePrecheckJUnit(path, b); err != nil {
				util.Warnf("Writing JUnit report: %v", err)
			}
		}
		if jsonOutput {
			if err := printJSON(b); err != nil {
				return err
			}
		}

		if ready := b.Ready(); ready < len(b.Results) {
			return fmt.Errorf("%w: %d of %d device(s) not ready", errDevicesFailed, len(b.Results)-ready, len(b.Results))
		}
		return nil
	},
}

func init() {
	precheckCmd.Flags().StringVar(&imageFlag, "image", "", "Staged image path on the devices (overrides upgrade.image)")
	precheckCmd.Flags().StringVar(&junitFlag, "junit", "", "Write a JUnit XML report to this path")
	addOutputFlags(precheckCmd)
}
