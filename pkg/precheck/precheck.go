// Package precheck runs the ordered readiness checks performed on a device
// before an upgrade: reachability, pending operations, image presence and
// disk space.
package precheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/util"
)

// Status is the classification of one check.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
)

// Check names, in execution order.
const (
	CheckReachability = "reachability"
	CheckPending      = "pending-operation"
	CheckImage        = "image-presence"
	CheckDiskSpace    = "disk-space"
)

// ErrUnreachable is wrapped by Probe failures.
var ErrUnreachable = errors.New("device unreachable")

// Defaults applied by New for zero Config fields.
const (
	DefaultProbeInterval = 60 * time.Second
	DefaultProbeTimeout  = 15 * time.Minute
	DefaultQueryTimeout  = 60 * time.Second
	DefaultStagingDir    = "/var/tmp"
	DefaultPartition     = "/host"
)

// Config tunes the prechecker.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	QueryTimeout  time.Duration // per query
	StagingDir    string
	Partition     string
	MinFreeKB     int64
	// Optional names checks whose failure is reported as a warning rather
	// than blocking. Reachability is always required.
	Optional []string
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Check    string        `json:"check"`
	Status   Status        `json:"status"`
	Required bool          `json:"required"`
	Message  string        `json:"message"`
	Details  interface{}   `json:"details,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Pending describes an in-progress or staged-but-not-activated operation.
type Pending struct {
	InProgress bool   `json:"in_progress"`
	Current    string `json:"current,omitempty"`
	Next       string `json:"next,omitempty"`
}

func (p *Pending) String() string {
	if p.InProgress {
		return "software operation in progress"
	}
	return fmt.Sprintf("image %s staged for next boot (running %s)", p.Next, p.Current)
}

// Result is the outcome of a precheck run on one device.
type Result struct {
	DeviceID string            `json:"device"`
	Image    string            `json:"image"`
	Results  []CheckResult     `json:"results"`
	Checks   map[string]Status `json:"checks"`
	Blocking bool              `json:"blocking"`
	Pending  *Pending          `json:"pending,omitempty"`
	Duration time.Duration     `json:"duration"`
}

func newResult(deviceID, image string) *Result {
	return &Result{DeviceID: deviceID, Image: image, Checks: make(map[string]Status)}
}

func (r *Result) add(cr CheckResult) {
	if cr.Status == StatusFail && !cr.Required {
		cr.Status = StatusWarn
	}
	r.Results = append(r.Results, cr)
	r.Checks[cr.Check] = cr.Status
	if cr.Status == StatusFail {
		r.Blocking = true
	}
}

// Status returns the named check's status, or "" if it did not run.
func (r *Result) Status(check string) Status {
	return r.Checks[check]
}

// Failed reports whether the named check ran and failed.
func (r *Result) Failed(check string) bool {
	return r.Checks[check] == StatusFail
}

// Get returns the full result for the named check.
func (r *Result) Get(check string) (CheckResult, bool) {
	for _, cr := range r.Results {
		if cr.Check == check {
			return cr, true
		}
	}
	return CheckResult{}, false
}

// FirstBlocking returns the first failing check in execution order.
func (r *Result) FirstBlocking() (CheckResult, bool) {
	for _, cr := range r.Results {
		if cr.Status == StatusFail {
			return cr, true
		}
	}
	return CheckResult{}, false
}

// Input is handed to every check.
type Input struct {
	Provider device.Provider
	Session  device.Session
	Image    string
	Config   Config
}

// Check is one readiness test.
type Check interface {
	Name() string
	Run(ctx context.Context, in *Input) CheckResult
}

// Prechecker runs the readiness checks against one session at a time.
// It is stateless and safe for concurrent use.
type Prechecker struct {
	provider device.Provider
	cfg      Config
	checks   []Check
	optional map[string]bool
	logger   *logrus.Entry
}

// New creates a Prechecker with the default check sequence.
func New(p device.Provider, cfg Config, logger *logrus.Entry) *Prechecker {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = DefaultStagingDir
	}
	if cfg.Partition == "" {
		cfg.Partition = DefaultPartition
	}
	pc := &Prechecker{
		provider: p,
		cfg:      cfg,
		checks: []Check{
			&PendingCheck{},
			&ImageCheck{},
			&DiskSpaceCheck{},
		},
		optional: make(map[string]bool),
		logger:   util.Entry(logger).WithField("component", "precheck"),
	}
	for _, name := range cfg.Optional {
		if name != CheckReachability {
			pc.optional[name] = true
		}
	}
	return pc
}

// Config returns the effective configuration.
func (p *Prechecker) Config() Config {
	return p.cfg
}

// Probe polls the liveness query every ProbeInterval until it succeeds or
// ProbeTimeout elapses. The returned error wraps ErrUnreachable.
func (p *Prechecker) Probe(ctx context.Context, s device.Session) error {
	log := util.WithDevice(p.logger, s.DeviceID)
	attempts, err := util.Retry(ctx, util.Within(p.cfg.ProbeTimeout, p.cfg.ProbeInterval), func(ctx context.Context, attempt int) (bool, error) {
		qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()
		if _, err := p.provider.RunQuery(qctx, s, device.NewQuery(device.QueryLiveness)); err != nil {
			log.Debugf("Probe attempt %d: %v", attempt, err)
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	log.Debugf("Reachable after %d probe attempt(s)", attempts)
	return nil
}

// Run executes the full ordered sequence. A reachability failure is fatal
// and no further checks run.
func (p *Prechecker) Run(ctx context.Context, s device.Session, image string) *Result {
	start := time.Now()
	res := newResult(s.DeviceID, image)

	err := p.Probe(ctx, s)
	cr := CheckResult{Check: CheckReachability, Required: true, Status: StatusPass, Message: "device responding", Duration: time.Since(start)}
	if err != nil {
		cr.Status, cr.Message, cr.Err = StatusFail, err.Error(), err
	}
	res.add(cr)
	if err != nil {
		res.Duration = time.Since(start)
		return res
	}

	p.runChecks(ctx, s, image, res)
	res.Duration = time.Since(start)
	return res
}

// Readiness runs the checks that follow reachability. Used by the upgrade
// coordinator, which probes separately.
func (p *Prechecker) Readiness(ctx context.Context, s device.Session, image string) *Result {
	start := time.Now()
	res := newResult(s.DeviceID, image)
	p.runChecks(ctx, s, image, res)
	res.Duration = time.Since(start)
	return res
}

func (p *Prechecker) runChecks(ctx context.Context, s device.Session, image string, res *Result) {
	in := &Input{Provider: p.provider, Session: s, Image: image, Config: p.cfg}
	log := util.WithDevice(p.logger, s.DeviceID)
	for _, c := range p.checks {
		if err := ctx.Err(); err != nil {
			res.add(CheckResult{Check: c.Name(), Required: true, Status: StatusFail, Message: err.Error(), Err: err})
			return
		}
		started := time.Now()
		cr := c.Run(ctx, in)
		cr.Check = c.Name()
		cr.Required = !p.optional[c.Name()]
		cr.Duration = time.Since(started)
		if pending, ok := cr.Details.(*Pending); ok {
			res.Pending = pending
		}
		res.add(cr)
		log.WithField("check", cr.Check).Debugf("%s: %s", res.Checks[cr.Check], cr.Message)
	}
}

func (in *Input) query(ctx context.Context, q device.Query) (*device.QueryResult, error) {
	qctx, cancel := context.WithTimeout(ctx, in.Config.QueryTimeout)
	defer cancel()
	return in.Provider.RunQuery(qctx, in.Session, q)
}

func failed(err error, format string, args ...interface{}) CheckResult {
	return CheckResult{Status: StatusFail, Message: fmt.Sprintf(format, args...), Err: err}
}

func passed(format string, args ...interface{}) CheckResult {
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf(format, args...)}
}
