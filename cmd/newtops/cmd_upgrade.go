package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtops/pkg/config"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/report"
	"github.com/newtron-network/newtops/pkg/upgrade"
	"github.com/newtron-network/newtops/pkg/util"
)

var (
	imageFlag     string
	versionFlag   string
	workersFlag   int
	yesDowngrade  bool
	pendingPolicy string
	junitFlag     string
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade every configured device to a staged image",
	Long: `Upgrade every configured device to a staged image.

Each device runs its own job: probe, precheck, install, reboot, reconnect
and verify. Devices already on the target version are left alone. A failed
device never stops the others; the exit status is non-zero if any failed.

Pending software operations are handled by --pending-policy (default from
upgrade.pending_policy). Downgrades are refused unless upgrade.downgrade
allows them, the operator confirms at the prompt, or --yes-downgrade is set.

Examples:
  newtops upgrade --image /var/tmp/sonic-4.1.0.bin --version 4.1.0
  newtops upgrade -c lab.yaml --workers 4 --pending-policy reboot
  newtops upgrade --json > result.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyUpgradeFlags(cmd, cfg)
		return runUpgrade(cmd.Context(), cfg)
	},
}

func init() {
	upgradeCmd.Flags().StringVar(&imageFlag, "image", "", "Staged image path on the devices (overrides upgrade.image)")
	upgradeCmd.Flags().StringVar(&versionFlag, "version", "", "Version the image reports (overrides upgrade.version)")
	upgradeCmd.Flags().IntVar(&workersFlag, "workers", 0, "Concurrent device jobs (overrides upgrade.workers)")
	upgradeCmd.Flags().BoolVar(&yesDowngrade, "yes-downgrade", false, "Allow downgrades without asking")
	upgradeCmd.Flags().StringVar(&pendingPolicy, "pending-policy", "", "Pending operation policy: reboot, rollback, skip or prompt")
	upgradeCmd.Flags().StringVar(&junitFlag, "junit", "", "Write a JUnit XML report to this path")
	addOutputFlags(upgradeCmd)
}

func applyUpgradeFlags(cmd *cobra.Command, cfg *config.Config) {
	if imageFlag != "" {
		cfg.Upgrade.Image = imageFlag
	}
	if versionFlag != "" {
		cfg.Upgrade.Version = versionFlag
	}
	if cmd.Flags().Changed("workers") && workersFlag > 0 {
		cfg.Upgrade.Workers = workersFlag
	}
	if pendingPolicy != "" {
		cfg.Upgrade.PendingPolicy = pendingPolicy
	}
}

func runUpgrade(ctx context.Context, cfg *config.Config) error {
	creds, err := resolveCredentials(cfg)
	if err != nil {
		return err
	}

	var prompt *terminalPrompt
	if stdinIsTerminal() {
		prompt = newTerminalPrompt()
	}
	resolver, err := pendingResolver(cfg.Upgrade.PendingPolicy, prompt)
	if err != nil {
		return err
	}
	authorizer := downgradeAuthorizer(cfg.Upgrade.Downgrade, yesDowngrade, prompt)

	log := util.WithOperation("upgrade")
	cc := cfg.CoordinatorConfig()
	sessions := newSessionManager(cfg, cc.Workers, log)
	defer sessions.CloseAll(context.WithoutCancel(ctx))

	pc := precheck.New(sessions.Provider(), cfg.PrecheckConfig(), log)
	coord := upgrade.New(sessions, pc, creds, cc,
		upgrade.WithLogger(log),
		upgrade.WithPendingResolver(resolver),
		upgrade.WithDowngradeAuthorizer(authorizer),
	)

	emitters, err := newEmitters(cfg, "upgrade")
	if err != nil {
		return err
	}
	defer closeEmitters(emitters)

	br, err := coord.Run(ctx, upgrade.Request{
		Targets: cfg.Devices,
		Image:   cfg.Upgrade.Image,
		Version: cfg.Upgrade.Version,
	})
	if err != nil {
		return err
	}

	if err := emitters.EmitUpgrade(br); err != nil {
		util.Warnf("Writing upgrade report: %v", err)
	}
	if path := junitPath(cfg, junitFlag, "upgrade"); path != "" {
		if err := report.WriteUpgradeJUnit(path, br); err != nil {
			util.Warnf("Writing JUnit report: %v", err)
		}
	}
	if jsonOutput {
		if err := printJSON(br); err != nil {
			return err
		}
	}

	if s := br.Summary(); s.Failed > 0 {
		return fmt.Errorf("%w: %s", errDevicesFailed, s)
	}
	return nil
}
