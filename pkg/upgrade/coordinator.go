// Package upgrade drives per-device software upgrades through the state
// machine Probing, Prechecking, Installing, Rebooting, Reconnecting,
// Verifying and a terminal Succeeded or Failed, for a batch of devices in
// parallel.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/metrics"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/session"
	"github.com/newtron-network/newtops/pkg/util"
)

// Config bounds every blocking step of a job.
type Config struct {
	Workers               int
	ReconnectAttempts     int
	ReconnectDelay        time.Duration
	OpenTimeout           time.Duration
	QueryTimeout          time.Duration
	PrecheckTimeout       time.Duration
	InstallTimeout        time.Duration
	RebootTimeout         time.Duration
	JobTimeout            time.Duration
	MaxPendingResolutions int
	PendingClearAttempts  int
	PendingClearDelay     time.Duration

	// Sleep replaces the wait between retry attempts. nil waits on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the defaults used for zero Config fields.
func DefaultConfig() Config {
	return Config{
		Workers:               4,
		ReconnectAttempts:     30,
		ReconnectDelay:        30 * time.Second,
		OpenTimeout:           60 * time.Second,
		QueryTimeout:          60 * time.Second,
		PrecheckTimeout:       20 * time.Minute,
		InstallTimeout:        45 * time.Minute,
		RebootTimeout:         5 * time.Minute,
		JobTimeout:            2 * time.Hour,
		MaxPendingResolutions: 1,
		PendingClearAttempts:  10,
		PendingClearDelay:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.PrecheckTimeout <= 0 {
		c.PrecheckTimeout = d.PrecheckTimeout
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = d.InstallTimeout
	}
	if c.RebootTimeout <= 0 {
		c.RebootTimeout = d.RebootTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.MaxPendingResolutions < 0 {
		c.MaxPendingResolutions = 0
	}
	if c.PendingClearAttempts <= 0 {
		c.PendingClearAttempts = d.PendingClearAttempts
	}
	if c.PendingClearDelay <= 0 {
		c.PendingClearDelay = d.PendingClearDelay
	}
	return c
}

// Request is one batch upgrade.
type Request struct {
	Targets []device.Target
	Image   string // staged artifact path on the device
	Version string // version the device reports once running Image
}

// Coordinator runs upgrade jobs. A Coordinator may serve several batches
// concurrently; it refuses a second job for a device that already has one.
type Coordinator struct {
	sessions   *session.Manager
	prechecker *precheck.Prechecker
	creds      device.CredentialStore
	pending    PendingResolver
	downgrade  DowngradeAuthorizer
	cfg        Config
	logger     *logrus.Entry

	mu     sync.Mutex
	active map[string]string // address -> job ID
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the base log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithPendingResolver sets the pending-operation policy. Default: skip.
func WithPendingResolver(r PendingResolver) Option {
	return func(c *Coordinator) { c.pending = r }
}

// WithDowngradeAuthorizer sets the downgrade policy. Default: refuse.
func WithDowngradeAuthorizer(a DowngradeAuthorizer) Option {
	return func(c *Coordinator) { c.downgrade = a }
}

// New creates a Coordinator.
func New(sessions *session.Manager, pc *precheck.Prechecker, creds device.CredentialStore, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions:   sessions,
		prechecker: pc,
		creds:      creds,
		pending:    StaticResolver(ResolveSkip),
		downgrade:  AllowDowngrade(false),
		cfg:        cfg.withDefaults(),
		active:     make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = util.Entry(c.logger).WithField("component", "upgrade")
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

func (c *Coordinator) validate(req Request) error {
	v := &util.ValidationBuilder{}
	v.Add(req.Image != "", "upgrade image is required")
	v.Add(req.Version != "", "upgrade target version is required")
	v.Add(len(req.Targets) > 0, "no devices selected")
	if err := device.ValidateTargets(req.Targets); err != nil {
		var ve *util.ValidationError
		if errors.As(err, &ve) {
			for _, msg := range ve.Errors {
				v.AddErrorf("%s", msg)
			}
		}
	}
	return v.Build()
}

// collector serialises outcome appends from concurrent workers.
type collector struct {
	mu       sync.Mutex
	outcomes []indexed
}

type indexed struct {
	i int
	o Outcome
}

func (c *collector) add(i int, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, indexed{i, o})
}

func (c *collector) sorted() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.Slice(c.outcomes, func(a, b int) bool { return c.outcomes[a].i < c.outcomes[b].i })
	out := make([]Outcome, len(c.outcomes))
	for k, x := range c.outcomes {
		out[k] = x.o
	}
	return out
}

// Run upgrades every target and returns one outcome per target in target
// order. Per-device failures never abort the batch; the error is non-nil
// only for an invalid request. Cancelling ctx stops dispatch; jobs in
// flight finish their current step and end as cancelled.
func (c *Coordinator) Run(ctx context.Context, req Request) (*BatchResult, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	br := &BatchResult{
		RunID:     uuid.NewString(),
		Image:     req.Image,
		Version:   req.Version,
		StartedAt: time.Now(),
	}
	log := c.logger.WithField("run", br.RunID[:8])
	log.Infof("Upgrading %d device(s) to %s with %d worker(s)", len(req.Targets), req.Version, c.cfg.Workers)

	var out collector
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)

	for i, t := range req.Targets {
		if ctx.Err() != nil {
			out.add(i, notStarted(t))
			continue
		}
		g.Go(func() error {
			// Dispatch can block on the worker limit; re-check before starting.
			if ctx.Err() != nil {
				out.add(i, notStarted(t))
				return nil
			}
			out.add(i, c.runJob(ctx, t, req, log))
			return nil
		})
	}
	g.Wait()

	br.Outcomes = out.sorted()
	br.Duration = time.Since(br.StartedAt)
	s := br.Summary()
	log.Infof("Upgrade finished: %d succeeded, %d failed", s.Succeeded, s.Failed)
	return br, nil
}

func notStarted(t device.Target) Outcome {
	return Outcome{
		DeviceID: t.ID(),
		Address:  t.Address,
		State:    StateFailed,
		Reason:   ReasonCancelled,
		Error:    ErrNotStarted.Error(),
	}
}

func (c *Coordinator) claim(address, jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[address]; busy {
		return false
	}
	c.active[address] = jobID
	return true
}

func (c *Coordinator) release(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, address)
}

// runJob executes one job to a terminal state. It never panics and always
// releases the job's session.
func (c *Coordinator) runJob(ctx context.Context, t device.Target, req Request, log *logrus.Entry) (o Outcome) {
	job := newJob(t, req.Image, req.Version, log)
	if !c.claim(t.Address, job.ID) {
		job.fail(ReasonUnknownError, ErrJobActive)
		return job.outcome()
	}
	defer c.release(t.Address)
	defer metrics.UpgradeJobStarted()()

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	defer cancel()

	r := &runner{c: c, job: job, parent: ctx, ctx: jobCtx}
	defer func() {
		if p := recover(); p != nil {
			job.logger.Errorf("Recovered panic in %s: %v", job.State(), p)
			job.fail(ReasonUnknownError, &PanicError{Value: p, Stack: debug.Stack()})
		}
		r.closeSession()
		metrics.RecordUpgradeJob(string(job.State()), string(job.Reason()), time.Since(job.StartedAt))
		o = job.outcome()
		if o.State == StateSucceeded {
			job.logger.Infof("Upgrade succeeded (%s)", o.ToVersion)
		} else {
			job.logger.Warnf("Upgrade failed: %s", o.Error)
		}
	}()

	r.run()
	return job.outcome()
}

// runner holds the mutable per-job execution state.
type runner struct {
	c      *Coordinator
	job    *Job
	parent context.Context // batch context, carries operator cancellation
	ctx    context.Context // job context, adds the job deadline
	creds  *device.Credentials
	sess   device.Session
}

func (r *runner) run() {
	for !r.job.State().Terminal() {
		state := r.job.State()
		if err := r.ctx.Err(); err != nil {
			r.interrupted(state, err)
			return
		}
		var err error
		switch state {
		case StateProbing:
			err = r.probe()
		case StatePrechecking:
			err = r.precheck()
		case StateInstalling:
			err = r.install()
		case StateRebooting:
			err = r.reboot()
		case StateReconnecting:
			err = r.reconnect()
		case StateVerifying:
			err = r.verify()
		}
		if err != nil {
			// A step returned an error without failing the job.
			r.job.fail(Classify(err), err)
		}
	}
}

// interrupted terminates the job between steps.
func (r *runner) interrupted(state State, err error) {
	if r.parent.Err() != nil {
		r.job.fail(ReasonCancelled, r.parent.Err())
		return
	}
	r.job.fail(reasonForState(state), fmt.Errorf("job deadline of %s exceeded: %w", r.c.cfg.JobTimeout, err))
}

// stepContext detaches a step from operator cancellation so it completes
// atomically, bounded by the step timeout and the job deadline.
func (r *runner) stepContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := r.ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return context.WithTimeout(context.WithoutCancel(r.ctx), timeout)
}

type stepResult[T any] struct {
	val T
	err error
}

// call runs fn in its own goroutine under a step context and returns when
// it finishes or the step times out, whichever comes first. Panics in fn
// are returned as *PanicError. A result arriving after the timeout is
// handed to abandon, if set, for cleanup.
func call[T any](r *runner, state State, timeout time.Duration, fn func(ctx context.Context) (T, error), abandon func(T)) (T, error) {
	ctx, cancel := r.stepContext(timeout)
	defer cancel()

	start := time.Now()
	done := make(chan stepResult[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stepResult[T]{err: &PanicError{Value: p, Stack: debug.Stack()}}
			}
		}()
		v, err := fn(ctx)
		done <- stepResult[T]{val: v, err: err}
	}()

	var res stepResult[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%s step timed out: %w", state, ctx.Err())
		if abandon != nil {
			go func() {
				if late := <-done; late.err == nil {
					abandon(late.val)
				}
			}()
		}
	}
	metrics.RecordUpgradeStep(string(state), res.err, time.Since(start))
	return res.val, res.err
}

// do is call for steps without a result.
func do(r *runner, state State, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := call(r, state, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

func (r *runner) closeSession() {
	if r.sess.ID == "" {
		return
	}
	r.c.sessions.Close(context.WithoutCancel(r.parent), r.sess)
	r.sess = device.Session{}
}

// errNoCredentials marks a failed credential lookup. It is a configuration
// problem, so the job fails as UnknownError rather than Unreachable.
var errNoCredentials = errors.New("credential lookup failed")

func (r *runner) credentials() (device.Credentials, error) {
	if r.creds != nil {
		return *r.creds, nil
	}
	c, err := r.c.creds.Lookup(r.job.Target.CredentialRef)
	if err != nil {
		return device.Credentials{}, fmt.Errorf("%w: %w", errNoCredentials, err)
	}
	r.creds = &c
	return c, nil
}

// openSession opens one session with the open timeout.
func (r *runner) openSession(state State) error {
	creds, err := r.credentials()
	if err != nil {
		return err
	}
	s, err := call(r, state, r.c.cfg.OpenTimeout, func(ctx context.Context) (device.Session, error) {
		return r.c.sessions.OpenOne(ctx, r.job.Target, creds)
	}, func(late device.Session) {
		r.c.sessions.Close(context.Background(), late)
	})
	if err != nil {
		return err
	}
	r.sess = s
	return nil
}

func (r *runner) currentVersion(state State) (string, error) {
	res, err := call(r, state, r.c.cfg.QueryTimeout, func(ctx context.Context) (*device.QueryResult, error) {
		return r.c.sessions.Provider().RunQuery(ctx, r.sess, device.NewQuery(device.QueryVersion))
	}, nil)
	if err != nil {
		return "", fmt.Errorf("reading version: %w", err)
	}
	v := res.Value(device.ValueVersion)
	if v == "" {
		return "", util.NewParseError(string(device.QueryVersion), "no version reported")
	}
	return v, nil
}
