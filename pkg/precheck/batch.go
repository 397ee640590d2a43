package precheck

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/session"
)

// Batch is a readiness report over several devices.
type Batch struct {
	RunID     string        `json:"run_id"`
	Image     string        `json:"image"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Results   []*Result     `json:"results"`
}

// Ready returns the number of devices with no blocking check.
func (b *Batch) Ready() int {
	n := 0
	for _, r := range b.Results {
		if !r.Blocking {
			n++
		}
	}
	return n
}

// Result returns the result for deviceID, or nil.
func (b *Batch) Result(deviceID string) *Result {
	for _, r := range b.Results {
		if r.DeviceID == deviceID {
			return r
		}
	}
	return nil
}

// RunBatch opens a session per target, runs the full check sequence on
// each with at most workers devices in flight, and closes every session.
// A device whose session cannot be opened gets a failed reachability
// result. Results are in target order.
func (p *Prechecker) RunBatch(ctx context.Context, m *session.Manager, targets []device.Target, creds device.CredentialStore, image string, workers int) (*Batch, error) {
	if err := device.ValidateTargets(targets); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = session.DefaultParallel
	}
	b := &Batch{RunID: uuid.NewString(), Image: image, StartedAt: time.Now()}
	p.logger.Infof("Prechecking %d device(s) for %s", len(targets), image)

	results := make([]*Result, len(targets))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = p.runTarget(ctx, m, t, creds, image)
			return nil
		})
	}
	g.Wait()

	b.Results = results
	b.Duration = time.Since(b.StartedAt)
	p.logger.Infof("Precheck finished: %d of %d ready", b.Ready(), len(targets))
	return b, nil
}

func (p *Prechecker) runTarget(ctx context.Context, m *session.Manager, t device.Target, creds device.CredentialStore, image string) *Result {
	start := time.Now()
	unreachable := func(err error) *Result {
		res := newResult(t.ID(), image)
		res.add(CheckResult{
			Check:    CheckReachability,
			Status:   StatusFail,
			Required: true,
			Message:  err.Error(),
			Err:      err,
			Duration: time.Since(start),
		})
		res.Duration = time.Since(start)
		return res
	}

	c, err := creds.Lookup(t.CredentialRef)
	if err != nil {
		return unreachable(err)
	}
	s, err := m.OpenOne(ctx, t, c)
	if err != nil {
		return unreachable(&session.OpenError{Target: t, Err: err})
	}
	defer m.Close(context.WithoutCancel(ctx), s)
	return p.Run(ctx, s, image)
}
