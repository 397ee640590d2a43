package upgrade

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/newtron-network/newtops/internal/testutil"
	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/session"
	"github.com/newtron-network/newtops/pkg/util"
)

const (
	targetImage   = "/var/tmp/sonic-4.1.0.bin"
	targetVersion = "4.1.0"
)

// sleepRecorder captures retry delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fixture struct {
	provider *testutil.FakeProvider
	sessions *session.Manager
	sleeps   *sleepRecorder
	creds    device.CredentialStore
	cfg      Config
	opts     []Option
}

func newFixture() *fixture {
	f := &fixture{
		provider: testutil.NewFakeProvider(),
		sleeps:   &sleepRecorder{},
	}
	f.sessions = session.NewManager(f.provider)
	f.cfg = Config{
		Workers:               2,
		ReconnectAttempts:     3,
		ReconnectDelay:        10 * time.Second,
		MaxPendingResolutions: 1,
	}
	f.cfg.Sleep = f.sleeps.sleep
	return f
}

// upgradable returns a device at 4.0.0 ready to take targetImage.
func upgradable(hostname string) *testutil.FakeDevice {
	return &testutil.FakeDevice{
		Hostname:       hostname,
		Version:        "4.0.0",
		Staged:         []string{"sonic-4.1.0.bin"},
		AvailableKB:    8 << 20,
		InstallVersion: targetVersion,
	}
}

func (f *fixture) coordinator() *Coordinator {
	pc := precheck.New(f.provider, precheck.Config{
		ProbeInterval: time.Millisecond,
		ProbeTimeout:  100 * time.Millisecond,
		MinFreeKB:     1 << 20,
	}, nil)
	creds := f.creds
	if creds == nil {
		creds = device.SingleCredentials(device.Credentials{Username: "admin", Password: "admin"})
	}
	return New(f.sessions, pc, creds, f.cfg, f.opts...)
}

func (f *fixture) run(t *testing.T, targets ...device.Target) *BatchResult {
	t.Helper()
	br, err := f.coordinator().Run(context.Background(), Request{Targets: targets, Image: targetImage, Version: targetVersion})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(br.Outcomes) != len(targets) {
		t.Fatalf("got %d outcomes for %d targets", len(br.Outcomes), len(targets))
	}
	return br
}

func (f *fixture) assertAllClosed(t *testing.T) {
	t.Helper()
	if n := f.provider.OpenSessions(); n != 0 {
		t.Errorf("%d provider sessions left open", n)
	}
	if live := f.sessions.Live(); len(live) != 0 {
		t.Errorf("session registry not empty: %+v", live)
	}
}

func target(addr, name string) device.Target {
	return device.Target{Address: addr, Name: name}
}

func TestRun_EndToEndBatch(t *testing.T) {
	f := newFixture()
	a := upgradable("A")
	a.Version = targetVersion
	f.provider.AddDevice("10.0.0.1", a)
	f.provider.AddDevice("10.0.0.2", upgradable("B"))
	c := upgradable("C")
	c.AvailableKB = 1024
	f.provider.AddDevice("10.0.0.3", c)

	br := f.run(t, target("10.0.0.1", "A"), target("10.0.0.2", "B"), target("10.0.0.3", "C"))

	sum := br.Summary()
	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 2 succeeded 1 failed", sum)
	}
	if sum.ByReason[ReasonInsufficientSpace] != 1 {
		t.Errorf("ByReason = %v", sum.ByReason)
	}

	oa, _ := br.Outcome("A")
	if !oa.Succeeded() || !oa.ShortCircuit {
		t.Errorf("A = %+v, want short-circuit success", oa)
	}
	ob, _ := br.Outcome("B")
	if !ob.Succeeded() || ob.ShortCircuit || ob.ToVersion != targetVersion || ob.FromVersion != "4.0.0" {
		t.Errorf("B = %+v, want full pipeline success", ob)
	}
	wantPath := []State{StatePrechecking, StateInstalling, StateRebooting, StateReconnecting, StateVerifying, StateSucceeded}
	if len(ob.History) != len(wantPath) {
		t.Fatalf("B history = %+v", ob.History)
	}
	for i, st := range wantPath {
		if ob.History[i].To != st {
			t.Errorf("B transition %d = %s, want %s", i, ob.History[i].To, st)
		}
	}
	oc, _ := br.Outcome("C")
	if oc.State != StateFailed || oc.Reason != ReasonInsufficientSpace {
		t.Errorf("C = %+v, want insufficient-space", oc)
	}

	if f.provider.Count("10.0.0.1", testutil.OpInstall) != 0 || f.provider.Count("10.0.0.3", testutil.OpInstall) != 0 {
		t.Error("install must only run on B")
	}
	f.assertAllClosed(t)

	// outcomes are in target order
	for i, id := range []string{"A", "B", "C"} {
		if br.Outcomes[i].DeviceID != id {
			t.Errorf("outcome %d = %s, want %s", i, br.Outcomes[i].DeviceID, id)
		}
	}
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture()
	d := upgradable("leaf1")
	d.Version = "4.1.0"
	f.provider.AddDevice("10.0.0.1", d)

	for i := 0; i < 2; i++ {
		br := f.run(t, target("10.0.0.1", "leaf1"))
		if o := br.Outcomes[0]; !o.Succeeded() || !o.ShortCircuit {
			t.Fatalf("run %d: %+v", i, o)
		}
	}
	if n := f.provider.Count("10.0.0.1", testutil.OpInstall); n != 0 {
		t.Errorf("install called %d times", n)
	}
	if n := f.provider.Count("10.0.0.1", testutil.OpReboot); n != 0 {
		t.Errorf("reboot called %d times", n)
	}
	f.assertAllClosed(t)
}

func TestRun_Downgrade(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		f := newFixture()
		d := upgradable("leaf1")
		d.Version = "4.2.0"
		f.provider.AddDevice("10.0.0.1", d)

		o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
		if o.Reason != ReasonDowngradeRejected {
			t.Fatalf("outcome = %+v, want downgrade-rejected", o)
		}
		if !errors.Is(o.Err, ErrDowngradeRejected) {
			t.Errorf("error chain = %v", o.Err)
		}
		if d := f.provider.Device("10.0.0.1"); d.Version != "4.2.0" {
			t.Errorf("version changed to %s", d.Version)
		}
		if f.provider.Count("10.0.0.1", testutil.OpInstall) != 0 || f.provider.Count("10.0.0.1", testutil.OpReboot) != 0 {
			t.Error("device must be left unmodified")
		}
	})

	t.Run("authorized", func(t *testing.T) {
		f := newFixture()
		d := upgradable("leaf1")
		d.Version = "4.2.0"
		f.provider.AddDevice("10.0.0.1", d)
		var asked []string
		f.opts = append(f.opts, WithDowngradeAuthorizer(DowngradeAuthorizerFunc(
			func(ctx context.Context, id, cur, tgt string) (bool, error) {
				asked = append(asked, id+":"+cur+"->"+tgt)
				return true, nil
			})))

		o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
		if !o.Succeeded() || o.ToVersion != targetVersion {
			t.Fatalf("outcome = %+v", o)
		}
		if len(asked) != 1 || asked[0] != "leaf1:4.2.0->4.1.0" {
			t.Errorf("authorizer calls = %v", asked)
		}
	})

	t.Run("authorizer error", func(t *testing.T) {
		f := newFixture()
		d := upgradable("leaf1")
		d.Version = "4.2.0"
		f.provider.AddDevice("10.0.0.1", d)
		f.opts = append(f.opts, WithDowngradeAuthorizer(DowngradeAuthorizerFunc(
			func(context.Context, string, string, string) (bool, error) {
				return false, errors.New("no terminal")
			})))
		if o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]; o.Reason != ReasonDowngradeRejected {
			t.Errorf("outcome = %+v", o)
		}
	})
}

func TestRun_ReconnectExhausted(t *testing.T) {
	f := newFixture()
	f.cfg.ReconnectAttempts = 4
	d := upgradable("leaf1")
	d.DownAfterReboot = -1
	f.provider.AddDevice("10.0.0.1", d)

	o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
	if o.State != StateFailed || o.Reason != ReasonReconnectTimeout {
		t.Fatalf("outcome = %+v, want reconnect-timeout", o)
	}
	if o.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", o.Attempts)
	}
	if !errors.Is(o.Err, util.ErrRetryExhausted) {
		t.Errorf("error should carry retry exhaustion: %v", o.Err)
	}
	// one initial open plus exactly four reconnect attempts
	if n := f.provider.Count("10.0.0.1", testutil.OpOpen); n != 5 {
		t.Errorf("opens = %d, want 5", n)
	}
	delays := f.sleeps.get()
	if len(delays) != 3 {
		t.Fatalf("delays = %v, want 3 waits between 4 attempts", delays)
	}
	for _, dl := range delays {
		if dl != 10*time.Second {
			t.Errorf("delay = %s, want 10s", dl)
		}
	}
	f.assertAllClosed(t)
}

func TestRun_CredentialLookupFailure(t *testing.T) {
	f := newFixture()
	f.creds = &device.StaticCredentials{Default: device.Credentials{Username: "admin"}}
	f.provider.AddDevice("10.0.0.1", upgradable("leaf1"))

	tgt := target("10.0.0.1", "leaf1")
	tgt.CredentialRef = "missing"
	o := f.run(t, tgt).Outcomes[0]
	if o.State != StateFailed || o.Reason != ReasonUnknownError {
		t.Fatalf("outcome = %+v, want unknown-error", o)
	}
	for _, want := range []string{"credential lookup failed", `credentials "missing"`} {
		if !strings.Contains(o.Error, want) {
			t.Errorf("error %q should contain %q", o.Error, want)
		}
	}
	if !errors.Is(o.Err, util.ErrNotFound) {
		t.Errorf("error should carry the lookup cause: %v", o.Err)
	}
	if n := f.provider.Count("10.0.0.1", testutil.OpOpen); n != 0 {
		t.Errorf("opens = %d, want 0", n)
	}
	f.assertAllClosed(t)
}

func TestRun_ReconnectRecovers(t *testing.T) {
	f := newFixture()
	d := upgradable("leaf1")
	d.DownAfterReboot = 2
	f.provider.AddDevice("10.0.0.1", d)

	o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
	if !o.Succeeded() || o.Attempts != 3 {
		t.Fatalf("outcome = %+v, want success on attempt 3", o)
	}
	f.assertAllClosed(t)
}

func TestRun_StepFailures(t *testing.T) {
	installErr := errors.New("sonic-installer: image verification failed")
	tests := []struct {
		name   string
		mutate func(d *testutil.FakeDevice)
		reason Reason
		cause  error
	}{
		{"image missing", func(d *testutil.FakeDevice) { d.Staged = nil }, ReasonImageMissing, nil},
		{"install failed", func(d *testutil.FakeDevice) { d.InstallErr = installErr }, ReasonInstallFailed, installErr},
		{"reboot failed", func(d *testutil.FakeDevice) { d.RebootErr = errors.New("permission denied") }, ReasonRebootFailed, nil},
		{"verify mismatch", func(d *testutil.FakeDevice) { d.InstallVersion = "4.0.9" }, ReasonVerifyMismatch, nil},
		{"unreachable", func(d *testutil.FakeDevice) { d.OpenFailures = -1 }, ReasonUnreachable, testutil.ErrConnectionRefused},
		{"probe timeout", func(d *testutil.FakeDevice) { d.LivenessFailures = 1 << 20 }, ReasonUnreachable, precheck.ErrUnreachable},
		{"version unreadable", func(d *testutil.FakeDevice) {
			d.QueryErr = map[device.QueryName]error{device.QueryVersion: errors.New("no such file")}
		}, ReasonUnknownError, nil},
		{"panic in install", func(d *testutil.FakeDevice) { d.InstallPanic = "boom" }, ReasonUnknownError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			d := upgradable("leaf1")
			tt.mutate(d)
			f.provider.AddDevice("10.0.0.1", d)
			f.provider.AddDevice("10.0.0.2", upgradable("leaf2"))

			br := f.run(t, target("10.0.0.1", "leaf1"), target("10.0.0.2", "leaf2"))
			o := br.Outcomes[0]
			if o.State != StateFailed || o.Reason != tt.reason {
				t.Fatalf("outcome = %+v, want %s", o, tt.reason)
			}
			if o.Error == "" {
				t.Error("failed outcome must carry an error message")
			}
			if tt.cause != nil && !errors.Is(o.Err, tt.cause) {
				t.Errorf("error %v does not wrap %v", o.Err, tt.cause)
			}
			if Classify(o.Err) != tt.reason {
				t.Errorf("Classify = %s, want %s", Classify(o.Err), tt.reason)
			}
			// the other device is unaffected
			if !br.Outcomes[1].Succeeded() {
				t.Errorf("leaf2 = %+v, want success", br.Outcomes[1])
			}
			f.assertAllClosed(t)
		})
	}
}

func TestRun_PanicMessageRetained(t *testing.T) {
	f := newFixture()
	d := upgradable("leaf1")
	d.InstallPanic = "index out of range"
	f.provider.AddDevice("10.0.0.1", d)

	o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
	if !strings.Contains(o.Error, "index out of range") {
		t.Errorf("error = %q, want original panic message", o.Error)
	}
	var pe *PanicError
	if !errors.As(o.Err, &pe) {
		t.Errorf("error chain = %v, want *PanicError", o.Err)
	}
}

func TestRun_StepTimeout(t *testing.T) {
	f := newFixture()
	f.cfg.InstallTimeout = 20 * time.Millisecond
	d := upgradable("leaf1")
	d.StepDelay = 2 * time.Second
	f.provider.AddDevice("10.0.0.1", d)

	start := time.Now()
	o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
	if o.Reason != ReasonInstallFailed || !errors.Is(o.Err, context.DeadlineExceeded) {
		t.Fatalf("outcome = %+v, want install timeout", o)
	}
	if time.Since(start) > time.Second {
		t.Error("install timeout did not bound the step")
	}
}

func TestRun_PendingOperation(t *testing.T) {
	t.Run("skip", func(t *testing.T) {
		f := newFixture()
		d := upgradable("leaf1")
		d.InProgress = true
		f.provider.AddDevice("10.0.0.1", d)

		o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
		if o.Reason != ReasonPendingOperation {
			t.Fatalf("outcome = %+v", o)
		}
		if o.Precheck == nil || o.Precheck.Pending == nil {
			t.Error("precheck result with pending details should be kept")
		}
		if f.provider.Count("10.0.0.1", testutil.OpReboot) != 0 {
			t.Error("skip must not reboot")
		}
	})

	t.Run("reboot to clear", func(t *testing.T) {
		f := newFixture()
		f.opts = append(f.opts, WithPendingResolver(StaticResolver(ResolveRebootToClear)))
		d := upgradable("leaf1")
		d.InProgress = true
		f.provider.AddDevice("10.0.0.1", d)

		o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
		if !o.Succeeded() || o.Resolutions != 1 {
			t.Fatalf("outcome = %+v", o)
		}
		if n := f.provider.Count("10.0.0.1", testutil.OpReboot); n != 2 {
			t.Errorf("reboots = %d, want 2 (clear + upgrade)", n)
		}
		var events []string
		for _, tr := range o.History {
			events = append(events, tr.Event)
		}
		got := strings.Join(events, ",")
		want := "probe_ok,clear_pending,reboot_ok,resume,probe_ok,precheck_ok,install_ok,reboot_ok,reconnect_ok,verify_ok"
		if got != want {
			t.Errorf("events = %s\nwant     %s", got, want)
		}
		f.assertAllClosed(t)
	})

	t.Run("rollback", func(t *testing.T) {
		f := newFixture()
		f.opts = append(f.opts, WithPendingResolver(StaticResolver(ResolveRollback)))
		d := upgradable("leaf1")
		d.Next = "sonic-4.0.5.bin"
		f.provider.AddDevice("10.0.0.1", d)

		o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
		if !o.Succeeded() {
			t.Fatalf("outcome = %+v", o)
		}
		if f.provider.Count("10.0.0.1", testutil.OpRollback) != 1 {
			t.Error("rollback not invoked")
		}
		if o.History[1].Event != EventRolledBack || o.History[1].To != StateProbing {
			t.Errorf("second transition = %+v", o.History[1])
		}
	})

	t.Run("rollback does not clear", func(t *testing.T) {
		f := newFixture()
		f.cfg.PendingClearAttempts = 3
		f.cfg.PendingClearDelay = 5 * time.Second
		f.opts = append(f.opts, WithPendingResolver(StaticResolver(ResolveRollback)))
		d := upgradable("leaf1")
		d.InProgress = true
		f.provider.AddDevice("10.0.0.1", d)

		o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
		if o.Reason != ReasonPendingOperation || !errors.Is(o.Err, util.ErrRetryExhausted) {
			t.Fatalf("outcome = %+v", o)
		}
		if got := len(f.sleeps.get()); got != 2 {
			t.Errorf("waits = %d, want 2", got)
		}
	})

	t.Run("resolution budget", func(t *testing.T) {
		f := newFixture()
		f.cfg.MaxPendingResolutions = 0
		f.opts = append(f.opts, WithPendingResolver(StaticResolver(ResolveRebootToClear)))
		d := upgradable("leaf1")
		d.InProgress = true
		f.provider.AddDevice("10.0.0.1", d)

		o := f.run(t, target("10.0.0.1", "leaf1")).Outcomes[0]
		if o.Reason != ReasonPendingOperation || f.provider.Count("10.0.0.1", testutil.OpReboot) != 0 {
			t.Errorf("outcome = %+v", o)
		}
	})
}

func TestRun_CancelledBeforeDispatch(t *testing.T) {
	f := newFixture()
	f.provider.AddDevice("10.0.0.1", upgradable("leaf1"))
	f.provider.AddDevice("10.0.0.2", upgradable("leaf2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	br, err := f.coordinator().Run(ctx, Request{
		Targets: []device.Target{target("10.0.0.1", "leaf1"), target("10.0.0.2", "leaf2")},
		Image:   targetImage,
		Version: targetVersion,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range br.Outcomes {
		if o.Reason != ReasonCancelled {
			t.Errorf("%s = %+v, want cancelled", o.DeviceID, o)
		}
	}
	if len(f.provider.Calls()) != 0 {
		t.Errorf("no provider calls expected, got %+v", f.provider.Calls())
	}
}

func TestRun_CancelDuringJob(t *testing.T) {
	f := newFixture()
	d := upgradable("leaf1")
	d.StepDelay = 50 * time.Millisecond
	f.provider.AddDevice("10.0.0.1", d)

	ctx, cancel := context.WithCancel(context.Background())
	c := f.coordinator()

	done := make(chan *BatchResult)
	go func() {
		br, _ := c.Run(ctx, Request{Targets: []device.Target{target("10.0.0.1", "leaf1")}, Image: targetImage, Version: targetVersion})
		done <- br
	}()

	// wait for the install step to start, then interrupt
	deadline := time.Now().Add(2 * time.Second)
	for f.provider.Count("10.0.0.1", testutil.OpInstall) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	br := <-done
	o := br.Outcomes[0]
	if o.Reason != ReasonCancelled {
		t.Fatalf("outcome = %+v, want cancelled", o)
	}
	// the in-flight install completed before the job stopped
	if o.History[len(o.History)-2].Event != EventInstallOK {
		t.Errorf("history = %+v, want install to finish first", o.History)
	}
	if f.provider.Count("10.0.0.1", testutil.OpReboot) != 0 {
		t.Error("no new step should start after cancellation")
	}
	f.assertAllClosed(t)
}

func TestRun_InvalidRequest(t *testing.T) {
	f := newFixture()
	c := f.coordinator()
	tests := []struct {
		name string
		req  Request
	}{
		{"no image", Request{Targets: []device.Target{target("10.0.0.1", "a")}, Version: "1"}},
		{"no version", Request{Targets: []device.Target{target("10.0.0.1", "a")}, Image: "x"}},
		{"no targets", Request{Image: "x", Version: "1"}},
		{"duplicate address", Request{Targets: []device.Target{target("10.0.0.1", "a"), target("10.0.0.1", "b")}, Image: "x", Version: "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Run(context.Background(), tt.req); !errors.Is(err, util.ErrValidationFailed) {
				t.Errorf("err = %v, want validation failure", err)
			}
		})
	}
}

func TestRun_OneActiveJobPerDevice(t *testing.T) {
	f := newFixture()
	f.provider.AddDevice("10.0.0.1", upgradable("leaf1"))
	c := f.coordinator()
	if !c.claim("10.0.0.1", "other-job") {
		t.Fatal("claim failed")
	}
	br, err := c.Run(context.Background(), Request{Targets: []device.Target{target("10.0.0.1", "leaf1")}, Image: targetImage, Version: targetVersion})
	if err != nil {
		t.Fatal(err)
	}
	if o := br.Outcomes[0]; o.State != StateFailed || !errors.Is(o.Err, ErrJobActive) {
		t.Errorf("outcome = %+v, want ErrJobActive", o)
	}
	if f.provider.Count("10.0.0.1", testutil.OpOpen) != 0 {
		t.Error("second job must not touch the device")
	}
}

func TestSummaryString(t *testing.T) {
	br := &BatchResult{Outcomes: []Outcome{
		{State: StateSucceeded},
		{State: StateFailed, Reason: ReasonImageMissing},
		{State: StateFailed, Reason: ReasonImageMissing},
		{State: StateFailed, Reason: ReasonUnreachable},
	}}
	if got := br.Summary().String(); got != "1 succeeded, 3 failed (image-missing=2, unreachable=1)" {
		t.Errorf("Summary() = %q", got)
	}
	if len(br.Failures()) != 3 {
		t.Errorf("Failures() = %d", len(br.Failures()))
	}
}
