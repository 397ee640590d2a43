package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/util"
	"github.com/newtron-network/newtops/pkg/version"
)

// probe opens the session if needed and waits for liveness.
func (r *runner) probe() error {
	if !r.sess.Open() {
		if err := r.openSession(StateProbing); err != nil {
			reason := ReasonUnreachable
			if errors.Is(err, errNoCredentials) {
				reason = ReasonUnknownError
			}
			r.job.fail(reason, err)
			return nil
		}
	}
	pcfg := r.c.prechecker.Config()
	timeout := pcfg.ProbeTimeout + pcfg.QueryTimeout
	if err := do(r, StateProbing, timeout, func(ctx context.Context) error {
		return r.c.prechecker.Probe(ctx, r.sess)
	}); err != nil {
		r.job.fail(ReasonUnreachable, err)
		return nil
	}
	return r.job.fire(EventProbeOK)
}

// precheck applies the version short-circuit and downgrade guard, then the
// readiness checks.
func (r *runner) precheck() error {
	job := r.job
	cur, err := r.currentVersion(StatePrechecking)
	if err != nil {
		job.fail(ReasonUnknownError, err)
		return nil
	}
	if job.FromVersion == "" {
		job.FromVersion = cur
	}

	switch version.Compare(cur, job.TargetVersion) {
	case version.Equal:
		job.ShortCircuit = job.Resolutions == 0
		job.FinalVersion = cur
		job.logger.Infof("Already running %s, nothing to do", cur)
		return job.fire(EventAlreadyCurrent)
	case version.Greater:
		if !job.downgradeApproved {
			ok, err := r.c.downgrade.AuthorizeDowngrade(r.ctx, job.DeviceID(), cur, job.TargetVersion)
			if err != nil {
				job.fail(ReasonDowngradeRejected, fmt.Errorf("%w: %v", ErrDowngradeRejected, err))
				return nil
			}
			if !ok {
				job.fail(ReasonDowngradeRejected, fmt.Errorf("%w: %s -> %s", ErrDowngradeRejected, cur, job.TargetVersion))
				return nil
			}
			job.downgradeApproved = true
			job.logger.Warnf("Downgrade %s -> %s authorized", cur, job.TargetVersion)
		}
	}

	res, err := call(r, StatePrechecking, r.c.cfg.PrecheckTimeout, func(ctx context.Context) (*precheck.Result, error) {
		return r.c.prechecker.Readiness(ctx, r.sess, job.TargetImage), nil
	}, nil)
	if err != nil {
		job.fail(ReasonUnknownError, err)
		return nil
	}
	job.Precheck = res

	if res.Pending != nil && res.Failed(precheck.CheckPending) {
		return r.resolvePending(res.Pending)
	}
	if first, blocking := res.FirstBlocking(); blocking {
		cause := first.Err
		if cause == nil {
			cause = errors.New(first.Message)
		}
		job.fail(reasonForCheck(first.Check), fmt.Errorf("%s check failed: %w", first.Check, cause))
		return nil
	}
	return job.fire(EventPrecheckOK)
}

// resolvePending consults the pending-operation policy.
func (r *runner) resolvePending(p *precheck.Pending) error {
	job := r.job
	if job.Resolutions >= r.c.cfg.MaxPendingResolutions {
		job.fail(ReasonPendingOperation, fmt.Errorf("%s (still pending after %d resolution attempt(s))", p, job.Resolutions))
		return nil
	}
	choice, err := r.c.pending.ResolvePending(r.ctx, job.DeviceID(), p)
	if err != nil {
		job.fail(ReasonPendingOperation, fmt.Errorf("%s: resolution policy: %w", p, err))
		return nil
	}
	job.Resolutions++
	job.logger.Infof("Pending operation (%s): resolving by %s", p, choice)

	switch choice {
	case ResolveRebootToClear:
		job.clearing = true
		return job.fire(EventClearPending)
	case ResolveRollback:
		if err := r.rollback(); err != nil {
			job.fail(ReasonPendingOperation, err)
			return nil
		}
		return job.fire(EventRolledBack)
	}
	job.fail(ReasonPendingOperation, fmt.Errorf("%s: skipped by policy", p))
	return nil
}

// rollback abandons the pending install, then waits for the device to
// report nothing pending.
func (r *runner) rollback() error {
	provider := r.c.sessions.Provider()
	rb, ok := provider.(device.Rollbacker)
	if !ok {
		return fmt.Errorf("rollback: %w", util.ErrUnsupported)
	}
	if err := do(r, StatePrechecking, r.c.cfg.QueryTimeout, func(ctx context.Context) error {
		return rb.Rollback(ctx, r.sess)
	}); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	b := util.Fixed(r.c.cfg.PendingClearAttempts, r.c.cfg.PendingClearDelay)
	b.Sleep = r.c.cfg.Sleep
	_, err := util.Retry(r.ctx, b, func(ctx context.Context, attempt int) (bool, error) {
		res, err := call(r, StatePrechecking, r.c.cfg.QueryTimeout, func(ctx context.Context) (*device.QueryResult, error) {
			return provider.RunQuery(ctx, r.sess, device.NewQuery(device.QueryInstallState))
		}, nil)
		if err != nil {
			return false, err
		}
		return precheck.DetectPending(res) == nil, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for pending operation to clear: %w", err)
	}
	return nil
}

func (r *runner) install() error {
	job := r.job
	job.logger.Infof("Installing %s", job.TargetImage)
	res, err := call(r, StateInstalling, r.c.cfg.InstallTimeout, func(ctx context.Context) (*device.InstallResult, error) {
		return r.c.sessions.Provider().StageAndInstall(ctx, r.sess, job.TargetImage)
	}, nil)
	if err != nil {
		job.fail(ReasonInstallFailed, err)
		return nil
	}
	if res != nil && res.Image != "" {
		job.logger.Debugf("Installed image %s", res.Image)
	}
	return job.fire(EventInstallOK)
}

func (r *runner) reboot() error {
	job := r.job
	job.logger.Info("Rebooting")
	if err := do(r, StateRebooting, r.c.cfg.RebootTimeout, func(ctx context.Context) error {
		return r.c.sessions.Provider().Reboot(ctx, r.sess)
	}); err != nil {
		job.fail(ReasonRebootFailed, err)
		return nil
	}
	// The reboot dropped the connection; release it from the registry.
	r.closeSession()
	return job.fire(EventRebootOK)
}

// reconnect re-opens the session with a fixed number of attempts spaced by
// the reconnect delay.
func (r *runner) reconnect() error {
	job := r.job
	b := util.Fixed(r.c.cfg.ReconnectAttempts, r.c.cfg.ReconnectDelay)
	b.Sleep = r.c.cfg.Sleep

	attempts, err := util.Retry(r.ctx, b, func(ctx context.Context, attempt int) (bool, error) {
		job.Attempts = attempt
		if err := r.openSession(StateReconnecting); err != nil {
			job.logger.Debugf("Reconnect attempt %d/%d: %v", attempt, r.c.cfg.ReconnectAttempts, err)
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if r.parent.Err() != nil {
			job.fail(ReasonCancelled, err)
			return nil
		}
		job.fail(ReasonReconnectTimeout, err)
		return nil
	}
	job.logger.Infof("Reconnected after %d attempt(s)", attempts)

	if job.clearing {
		job.clearing = false
		return job.fire(EventResume)
	}
	return job.fire(EventReconnectOK)
}

func (r *runner) verify() error {
	job := r.job
	cur, err := r.currentVersion(StateVerifying)
	if err != nil {
		job.fail(ReasonUnknownError, err)
		return nil
	}
	job.FinalVersion = cur
	if !version.Same(cur, job.TargetVersion) {
		job.fail(ReasonVerifyMismatch, &MismatchError{Want: job.TargetVersion, Got: cur})
		return nil
	}
	return job.fire(EventVerifyOK)
}
