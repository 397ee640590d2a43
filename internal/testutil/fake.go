// Package testutil provides test helpers: an in-memory scripted device
// provider for unit tests, and Redis helpers for integration tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/util"
)

// Provider operation names recorded by FakeProvider.
const (
	OpOpen     = "open"
	OpClose    = "close"
	OpQuery    = "query"
	OpInstall  = "install"
	OpReboot   = "reboot"
	OpRollback = "rollback"
)

// ErrConnectionRefused is returned by Open for unknown or unreachable devices.
var ErrConnectionRefused = errors.New("connection refused")

// FakeDevice is the scripted state of one simulated device. Fields may be
// set before the test runs; FakeProvider mutates them as operations run.
type FakeDevice struct {
	Hostname    string
	Version     string
	Current     string // running image
	Next        string // image selected for next boot
	InProgress  bool
	Staged      []string // file names in the staging directory
	AvailableKB int64
	Routes      map[string][]device.RouteEntry // by table

	// InstallVersion is the version reported after rebooting into an
	// image installed through StageAndInstall.
	InstallVersion string

	// OpenFailures is the number of Open calls that fail before one
	// succeeds; negative fails every Open.
	OpenFailures int
	// DownAfterReboot is the number of Open calls that fail after a reboot.
	DownAfterReboot int
	// LivenessFailures is the number of liveness queries that fail.
	LivenessFailures int
	// ClearPendingOnRollback controls whether Rollback clears InProgress.
	ClearPendingOnRollback bool

	QueryErr   map[device.QueryName]error
	InstallErr error
	RebootErr  error
	// InstallPanic makes StageAndInstall panic with this value.
	InstallPanic interface{}
	// StepDelay is applied to install and reboot, honouring ctx.
	StepDelay time.Duration
	// QueryHook, when set, runs before every query outside the provider
	// lock. A non-nil error fails the query. Tests use it to block a query
	// until its context ends.
	QueryHook func(ctx context.Context, q device.Query) error

	pendingVersion string
}

// Call records one provider operation.
type Call struct {
	Address string
	Op      string
	Detail  string
}

// FakeProvider is a concurrency-safe in-memory device.Provider.
type FakeProvider struct {
	mu       sync.Mutex
	devices  map[string]*FakeDevice
	sessions map[string]string // session ID -> address
	calls    []Call
	seq      int
}

var (
	_ device.Provider   = (*FakeProvider)(nil)
	_ device.Rollbacker = (*FakeProvider)(nil)
)

// NewFakeProvider returns an empty provider; unknown addresses refuse connections.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		devices:  make(map[string]*FakeDevice),
		sessions: make(map[string]string),
	}
}

// AddDevice registers d at addr and returns it.
func (f *FakeProvider) AddDevice(addr string, d *FakeDevice) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.Current == "" {
		d.Current = d.Version
	}
	f.devices[addr] = d
	return d
}

// Device returns the device at addr. The returned pointer is shared with the
// provider; read it only after the operation under test has finished.
func (f *FakeProvider) Device(addr string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[addr]
}

// Calls returns a copy of every recorded operation.
func (f *FakeProvider) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op ran against addr.
func (f *FakeProvider) Count(addr, op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Address == addr && c.Op == op {
			n++
		}
	}
	return n
}

// OpenSessions returns the number of sessions not yet closed.
func (f *FakeProvider) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *FakeProvider) record(addr, op, detail string) {
	f.calls = append(f.calls, Call{Address: addr, Op: op, Detail: detail})
}

func (f *FakeProvider) lookup(s device.Session) (*FakeDevice, error) {
	addr, ok := f.sessions[s.ID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", s.ID, util.ErrNotConnected)
	}
	return f.devices[addr], nil
}

// Open implements device.Provider.
func (f *FakeProvider) Open(ctx context.Context, target device.Target, creds device.Credentials) (device.Session, error) {
	if err := ctx.Err(); err != nil {
		return device.Session{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(target.Address, OpOpen, "")

	d, ok := f.devices[target.Address]
	if !ok {
		return device.Session{}, fmt.Errorf("dial %s: %w", target.Address, ErrConnectionRefused)
	}
	if d.OpenFailures != 0 {
		if d.OpenFailures > 0 {
			d.OpenFailures--
		}
		return device.Session{}, fmt.Errorf("dial %s: %w", target.Address, ErrConnectionRefused)
	}

	f.seq++
	s := device.Session{
		ID:       "fake-" + strconv.Itoa(f.seq),
		DeviceID: target.ID(),
		Address:  target.Address,
		Hostname: d.Hostname,
		Status:   device.StatusOpen,
		OpenedAt: time.Now(),
	}
	f.sessions[s.ID] = target.Address
	return s, nil
}

// Close implements device.Provider.
func (f *FakeProvider) Close(ctx context.Context, s device.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(s.Address, OpClose, s.ID)
	delete(f.sessions, s.ID)
	return nil
}

// RunQuery implements device.Provider.
func (f *FakeProvider) RunQuery(ctx context.Context, s device.Session, q device.Query) (*device.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook := f.queryHook(s); hook != nil {
		if err := hook(ctx, q); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(s.Address, OpQuery, string(q.Name))

	d, err := f.lookup(s)
	if err != nil {
		return nil, err
	}
	if err := d.QueryErr[q.Name]; err != nil {
		return nil, err
	}

	switch q.Name {
	case device.QueryLiveness:
		if d.LivenessFailures > 0 {
			d.LivenessFailures--
			return nil, errors.New("liveness: no response")
		}
		return &device.QueryResult{Raw: "ready", Values: map[string]string{device.ValueHostname: d.Hostname}}, nil
	case device.QueryVersion:
		return &device.QueryResult{Raw: d.Version, Values: map[string]string{device.ValueVersion: d.Version}}, nil
	case device.QueryInstallState:
		return &device.QueryResult{Values: map[string]string{
			device.ValueCurrent:    d.Current,
			device.ValueNext:       d.Next,
			device.ValueInProgress: strconv.FormatBool(d.InProgress),
		}}, nil
	case device.QueryStagedImages:
		lines := append([]string(nil), d.Staged...)
		sort.Strings(lines)
		return &device.QueryResult{Raw: strings.Join(lines, "\n"), Lines: lines}, nil
	case device.QueryDiskFree:
		return &device.QueryResult{Values: map[string]string{
			device.ValueAvailableKB: strconv.FormatInt(d.AvailableKB, 10),
		}}, nil
	case device.QueryRoutes:
		return &device.QueryResult{Routes: filterRoutes(d.Routes[q.Arg(device.ArgTable)], q.Arg(device.ArgProtocols))}, nil
	}
	return nil, fmt.Errorf("query %s: %w", q.Name, util.ErrUnsupported)
}

func (f *FakeProvider) queryHook(s device.Session) func(context.Context, device.Query) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, err := f.lookup(s); err == nil {
		return d.QueryHook
	}
	return nil
}

func filterRoutes(routes []device.RouteEntry, protocols string) []device.RouteEntry {
	want := util.SplitCommaSeparated(protocols)
	if len(want) == 0 {
		return append([]device.RouteEntry(nil), routes...)
	}
	var out []device.RouteEntry
	for _, r := range routes {
		for _, p := range want {
			if strings.EqualFold(r.Protocol, p) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// StageAndInstall implements device.Provider.
func (f *FakeProvider) StageAndInstall(ctx context.Context, s device.Session, artifact string) (*device.InstallResult, error) {
	f.mu.Lock()
	f.record(s.Address, OpInstall, artifact)
	d, err := f.lookup(s)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	delay, perr := d.StepDelay, d.InstallPanic
	f.mu.Unlock()

	if perr != nil {
		panic(perr)
	}
	if err := wait(ctx, delay); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if d.InstallErr != nil {
		return nil, d.InstallErr
	}
	image := path.Base(artifact)
	d.Next = image
	d.pendingVersion = d.InstallVersion
	return &device.InstallResult{Image: image, Output: "Done"}, nil
}

// Reboot implements device.Provider. Rebooting activates the next-boot
// image, clears in-progress state and drops the session.
func (f *FakeProvider) Reboot(ctx context.Context, s device.Session) error {
	f.mu.Lock()
	f.record(s.Address, OpReboot, "")
	d, err := f.lookup(s)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	delay := d.StepDelay
	f.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if d.RebootErr != nil {
		return d.RebootErr
	}
	if d.Next != "" && d.Next != d.Current {
		d.Current = d.Next
		if d.pendingVersion != "" {
			d.Version = d.pendingVersion
		}
	}
	d.Next = ""
	d.pendingVersion = ""
	d.InProgress = false
	d.OpenFailures = d.DownAfterReboot
	delete(f.sessions, s.ID)
	return nil
}

// Rollback implements device.Rollbacker.
func (f *FakeProvider) Rollback(ctx context.Context, s device.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(s.Address, OpRollback, "")
	d, err := f.lookup(s)
	if err != nil {
		return err
	}
	d.Next = ""
	d.pendingVersion = ""
	if d.ClearPendingOnRollback {
		d.InProgress = false
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Route is a shorthand for building a single-next-hop route entry.
func Route(prefix, protocol, nextHop string) device.RouteEntry {
	return device.RouteEntry{
		Prefix:   prefix,
		Protocol: protocol,
		NextHops: []device.NextHop{{IP: nextHop}},
	}
}
