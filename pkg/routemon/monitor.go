package routemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/metrics"
	"github.com/newtron-network/newtops/pkg/session"
	"github.com/newtron-network/newtops/pkg/util"
)

// Config controls what a Monitor captures.
type Config struct {
	Tables       []string
	Protocols    []string
	Workers      int
	QueryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Tables) == 0 {
		c.Tables = []string{DefaultTable}
	}
	if len(c.Protocols) == 0 {
		c.Protocols = DefaultProtocols
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 60 * time.Second
	}
	return c
}

// CaptureError records a device or table that could not be captured in a
// cycle. Table is empty when the session could not be opened.
type CaptureError struct {
	DeviceID string `json:"device"`
	Address  string `json:"address"`
	Table    string `json:"table,omitempty"`
	Err      error  `json:"-"`
	Message  string `json:"error"`
}

func (e *CaptureError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s table %s: %v", e.DeviceID, e.Table, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// CycleResult is everything observed in one monitoring cycle.
type CycleResult struct {
	Cycle     int             `json:"cycle"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Deltas    []*Delta        `json:"deltas"`
	Failures  []*CaptureError `json:"failures,omitempty"`
}

// Delta returns the delta for (deviceID, table), or nil.
func (c *CycleResult) Delta(deviceID, table string) *Delta {
	for _, d := range c.Deltas {
		if d.DeviceID == deviceID && d.Table == table {
			return d
		}
	}
	return nil
}

// Changed reports whether any delta in the cycle is non-empty.
func (c *CycleResult) Changed() bool {
	for _, d := range c.Deltas {
		if !d.Baseline && !d.Empty() {
			return true
		}
	}
	return false
}

// DeltaSink receives each cycle's result as soon as the cycle ends.
type DeltaSink interface {
	EmitCycle(ctx context.Context, c *CycleResult) error
}

// SinkFunc adapts a function to DeltaSink.
type SinkFunc func(ctx context.Context, c *CycleResult) error

// EmitCycle calls f.
func (f SinkFunc) EmitCycle(ctx context.Context, c *CycleResult) error { return f(ctx, c) }

// Monitor runs capture cycles against a set of devices and keeps the
// previous snapshot of every (device, table) for diffing.
type Monitor struct {
	sessions *session.Manager
	creds    device.CredentialStore
	store    *Store
	cfg      Config
	sink     DeltaSink
	logger   *logrus.Entry

	mu    sync.Mutex
	cycle int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the base log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithSink streams cycle results to s.
func WithSink(s DeltaSink) Option {
	return func(m *Monitor) { m.sink = s }
}

// WithStore shares a snapshot store between monitors.
func WithStore(s *Store) Option {
	return func(m *Monitor) { m.store = s }
}

// NewMonitor creates a Monitor.
func NewMonitor(sessions *session.Manager, creds device.CredentialStore, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		sessions: sessions,
		creds:    creds,
		store:    NewStore(),
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = util.Entry(m.logger).WithField("component", "routemon")
	return m
}

// Store returns the snapshot store.
func (m *Monitor) Store() *Store {
	return m.store
}

// RunCycle opens a session per target, captures and diffs every configured
// table, and closes the sessions before returning. A snapshot is committed
// only after its diff is computed; failed captures leave the stored
// snapshot untouched. The error is non-nil only for invalid targets.
func (m *Monitor) RunCycle(ctx context.Context, targets []device.Target) (*CycleResult, error) {
	if err := device.ValidateTargets(targets); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cycle++
	res := &CycleResult{Cycle: m.cycle, StartedAt: time.Now()}
	m.mu.Unlock()
	log := m.logger.WithField("cycle", res.Cycle)

	opened := m.sessions.Open(ctx, targets, m.creds)
	defer m.sessions.Close(context.WithoutCancel(ctx), opened.Sessions...)

	var mu sync.Mutex
	for _, f := range opened.Failures {
		res.Failures = append(res.Failures, captureFailure(f.Target.ID(), f.Target.Address, "", f))
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)
	for _, s := range opened.Sessions {
		g.Go(func() error {
			deltas, failures := m.captureDevice(ctx, s)
			mu.Lock()
			res.Deltas = append(res.Deltas, deltas...)
			res.Failures = append(res.Failures, failures...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(res.Deltas, func(i, j int) bool {
		if res.Deltas[i].DeviceID != res.Deltas[j].DeviceID {
			return res.Deltas[i].DeviceID < res.Deltas[j].DeviceID
		}
		return res.Deltas[i].Table < res.Deltas[j].Table
	})
	sort.SliceStable(res.Failures, func(i, j int) bool {
		return res.Failures[i].DeviceID < res.Failures[j].DeviceID
	})
	res.Duration = time.Since(res.StartedAt)
	metrics.RecordRouteCycle(len(res.Failures))
	log.Infof("Cycle %d: %d table(s) captured, %d failure(s)", res.Cycle, len(res.Deltas), len(res.Failures))
	return res, nil
}

func (m *Monitor) captureDevice(ctx context.Context, s device.Session) ([]*Delta, []*CaptureError) {
	var deltas []*Delta
	var failures []*CaptureError
	log := util.WithDevice(m.logger, s.DeviceID)

	for _, table := range m.cfg.Tables {
		qctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
		snap, err := Capture(qctx, m.sessions.Provider(), s, table, m.cfg.Protocols)
		cancel()
		if err != nil {
			log.Warnf("Capture failed: %v", err)
			failures = append(failures, captureFailure(s.DeviceID, s.Address, table, err))
			continue
		}

		d := Diff(m.store.Previous(s.DeviceID, table), snap)
		m.store.Commit(snap)
		deltas = append(deltas, d)

		metrics.SetRouteEntries(s.DeviceID, table, d.Counts)
		if d.Baseline {
			log.Debugf("Baseline for %s: %d route(s)", table, snap.Len())
			continue
		}
		metrics.RecordRouteDelta(s.DeviceID, table, len(d.Added), len(d.Removed), len(d.Flapped))
		if !d.Empty() {
			log.Infof("Table %s: %d added, %d removed, %d flapped",
				table, len(d.Added), len(d.Removed), len(d.Flapped))
		}
	}
	return deltas, failures
}

func captureFailure(deviceID, address, table string, err error) *CaptureError {
	return &CaptureError{DeviceID: deviceID, Address: address, Table: table, Err: err, Message: err.Error()}
}

// RunOptions controls Run.
type RunOptions struct {
	// Once runs a single cycle.
	Once bool
	// Interval is the pause between the end of one cycle and the start
	// of the next.
	Interval time.Duration
}

// Run executes cycles until ctx is cancelled, or once if opts.Once is
// set. Each cycle's result is handed to the sink. Cancellation is observed
// between cycles and during the pause; Run then returns nil.
func (m *Monitor) Run(ctx context.Context, targets []device.Target, opts RunOptions) error {
	if err := device.ValidateTargets(targets); err != nil {
		return err
	}
	if !opts.Once && opts.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive: %w", util.ErrInvalidConfig)
	}

	for {
		if ctx.Err() != nil {
			m.logger.Info("Monitoring stopped")
			return nil
		}
		res, err := m.RunCycle(ctx, targets)
		if err != nil {
			return err
		}
		if m.sink != nil {
			if err := m.sink.EmitCycle(ctx, res); err != nil {
				m.logger.Warnf("Emitting cycle %d: %v", res.Cycle, err)
			}
		}
		if opts.Once {
			return nil
		}

		t := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			m.logger.Info("Monitoring stopped")
			return nil
		case <-t.C:
		}
	}
}
