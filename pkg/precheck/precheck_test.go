package precheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newtron-network/newtops/internal/testutil"
	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/util"
)

const image = "/var/tmp/sonic-4.1.0.bin"

func healthyDevice() *testutil.FakeDevice {
	return &testutil.FakeDevice{
		Hostname:    "leaf1",
		Version:     "4.0.0",
		Staged:      []string{"sonic-4.1.0.bin", "notes.txt"},
		AvailableKB: 4 << 20,
	}
}

func setup(t *testing.T, d *testutil.FakeDevice, cfg Config) (*Prechecker, *testutil.FakeProvider, device.Session) {
	t.Helper()
	p := testutil.NewFakeProvider()
	p.AddDevice("10.0.0.1", d)
	s, err := p.Open(context.Background(), device.Target{Address: "10.0.0.1", Name: "leaf1"}, device.Credentials{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = time.Millisecond
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 50 * time.Millisecond
	}
	if cfg.MinFreeKB == 0 {
		cfg.MinFreeKB = 1 << 20
	}
	return New(p, cfg, nil), p, s
}

func TestRun_AllPass(t *testing.T) {
	pc, _, s := setup(t, healthyDevice(), Config{})
	res := pc.Run(context.Background(), s, image)

	if res.Blocking {
		t.Fatalf("unexpected blocking result: %+v", res.Results)
	}
	want := []string{CheckReachability, CheckPending, CheckImage, CheckDiskSpace}
	if len(res.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(res.Results), len(want))
	}
	for i, name := range want {
		if res.Results[i].Check != name {
			t.Errorf("result[%d] = %s, want %s", i, res.Results[i].Check, name)
		}
		if res.Status(name) != StatusPass {
			t.Errorf("%s = %s, want pass", name, res.Status(name))
		}
	}
	if res.DeviceID != "leaf1" || res.Pending != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_Blocking(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(d *testutil.FakeDevice)
		cfg      Config
		failing  string
		blocking bool
	}{
		{
			name:     "image missing",
			mutate:   func(d *testutil.FakeDevice) { d.Staged = []string{"sonic-4.0.0.bin"} },
			failing:  CheckImage,
			blocking: true,
		},
		{
			name:     "insufficient space",
			mutate:   func(d *testutil.FakeDevice) { d.AvailableKB = 1024 },
			failing:  CheckDiskSpace,
			blocking: true,
		},
		{
			name:     "space equal to minimum",
			mutate:   func(d *testutil.FakeDevice) { d.AvailableKB = 1 << 20 },
			failing:  CheckDiskSpace,
			blocking: true,
		},
		{
			name:     "optional disk check warns",
			mutate:   func(d *testutil.FakeDevice) { d.AvailableKB = 1024 },
			cfg:      Config{Optional: []string{CheckDiskSpace}},
			failing:  CheckDiskSpace,
			blocking: false,
		},
		{
			name:     "pending install",
			mutate:   func(d *testutil.FakeDevice) { d.InProgress = true },
			failing:  CheckPending,
			blocking: true,
		},
		{
			name:     "query error",
			mutate:   func(d *testutil.FakeDevice) { d.QueryErr = map[device.QueryName]error{device.QueryDiskFree: errors.New("df: not found")} },
			failing:  CheckDiskSpace,
			blocking: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := healthyDevice()
			tt.mutate(d)
			pc, _, s := setup(t, d, tt.cfg)
			res := pc.Run(context.Background(), s, image)

			if res.Blocking != tt.blocking {
				t.Errorf("Blocking = %v, want %v (%+v)", res.Blocking, tt.blocking, res.Results)
			}
			want := StatusFail
			if !tt.blocking {
				want = StatusWarn
			}
			if got := res.Status(tt.failing); got != want {
				t.Errorf("%s = %s, want %s", tt.failing, got, want)
			}
			// later checks still run after a non-fatal failure
			if len(res.Results) != 4 {
				t.Errorf("got %d results, want 4", len(res.Results))
			}
		})
	}
}

func TestRun_UnreachableStopsChecks(t *testing.T) {
	d := healthyDevice()
	d.LivenessFailures = 1000
	pc, p, s := setup(t, d, Config{ProbeInterval: 5 * time.Millisecond, ProbeTimeout: 20 * time.Millisecond})

	res := pc.Run(context.Background(), s, image)
	if !res.Failed(CheckReachability) || !res.Blocking {
		t.Fatalf("reachability should fail: %+v", res.Results)
	}
	if len(res.Results) != 1 {
		t.Errorf("further checks ran after unreachable: %+v", res.Results)
	}
	cr, _ := res.Get(CheckReachability)
	if !errors.Is(cr.Err, ErrUnreachable) || !errors.Is(cr.Err, util.ErrRetryExhausted) {
		t.Errorf("reachability error = %v", cr.Err)
	}
	for _, c := range p.Calls() {
		if c.Op == testutil.OpQuery && c.Detail != string(device.QueryLiveness) {
			t.Errorf("unexpected query %s after unreachable", c.Detail)
		}
	}
}

func TestProbe_RecoversWithinWindow(t *testing.T) {
	d := healthyDevice()
	d.LivenessFailures = 2
	pc, p, s := setup(t, d, Config{ProbeInterval: time.Millisecond, ProbeTimeout: time.Second})

	if err := pc.Probe(context.Background(), s); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if n := p.Count("10.0.0.1", testutil.OpQuery); n != 3 {
		t.Errorf("liveness queries = %d, want 3", n)
	}
}

func TestReadiness_PendingDetails(t *testing.T) {
	d := healthyDevice()
	d.Next = "SONiC-OS-4.1.0"
	d.Current = "SONiC-OS-4.0.0"
	pc, _, s := setup(t, d, Config{})

	res := pc.Readiness(context.Background(), s, image)
	if res.Status(CheckReachability) != "" {
		t.Error("Readiness must not probe")
	}
	if res.Pending == nil {
		t.Fatal("Pending details missing")
	}
	if res.Pending.InProgress || res.Pending.Next != "SONiC-OS-4.1.0" {
		t.Errorf("Pending = %+v", res.Pending)
	}
	if first, ok := res.FirstBlocking(); !ok || first.Check != CheckPending {
		t.Errorf("FirstBlocking = %+v, %v", first, ok)
	}
}

func TestDetectPending(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   bool
	}{
		{"idle", map[string]string{device.ValueCurrent: "a", device.ValueNext: "a"}, false},
		{"no next", map[string]string{device.ValueCurrent: "a"}, false},
		{"staged", map[string]string{device.ValueCurrent: "a", device.ValueNext: "b"}, true},
		{"in progress", map[string]string{device.ValueInProgress: "true"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectPending(&device.QueryResult{Values: tt.values})
			if (got != nil) != tt.want {
				t.Errorf("DetectPending() = %+v, want pending=%v", got, tt.want)
			}
		})
	}
}

func TestRun_NoImageRequested(t *testing.T) {
	pc, _, s := setup(t, healthyDevice(), Config{})
	res := pc.Run(context.Background(), s, "")
	if res.Status(CheckImage) != StatusPass {
		t.Errorf("image check without image = %s", res.Status(CheckImage))
	}
}
