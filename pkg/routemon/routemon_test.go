package routemon

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/newtron-network/newtops/internal/testutil"
	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/session"
	"github.com/newtron-network/newtops/pkg/util"
)

func snapshot(entries ...[3]string) *Snapshot {
	s := NewSnapshot("leaf1", DefaultTable, time.Now())
	for _, e := range entries {
		s.Add(e[0], e[1], e[2])
	}
	return s
}

func TestDiff_Identical(t *testing.T) {
	tests := []struct {
		name string
		snap *Snapshot
	}{
		{"empty", snapshot()},
		{"single", snapshot([3]string{"10.0.0.0/24", "bgp", "nhA"})},
		{"ecmp and multi protocol", snapshot(
			[3]string{"10.0.0.0/24", "bgp", "10.1.1.1,10.1.1.2"},
			[3]string{"10.0.0.0/24", "ospf", "10.2.2.2"},
			[3]string{"0.0.0.0/0", "static", "192.168.0.1"},
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Diff(tt.snap, tt.snap)
			if !d.Empty() || d.Baseline {
				t.Errorf("Diff(S, S) = %+v, want empty", d)
			}
		})
	}
}

func TestDiff_Example(t *testing.T) {
	prev := snapshot([3]string{"10.0.0.0/24", "BGP", "nhA"})
	cur := snapshot(
		[3]string{"10.0.0.0/24", "BGP", "nhB"},
		[3]string{"10.0.1.0/24", "OSPF", "nhC"},
	)
	d := Diff(prev, cur)

	if got := d.AddedPrefixes(); !reflect.DeepEqual(got, []string{"10.0.1.0/24"}) {
		t.Errorf("added = %v", got)
	}
	if got := d.RemovedPrefixes(); len(got) != 0 {
		t.Errorf("removed = %v", got)
	}
	if got := d.FlappedPrefixes(); !reflect.DeepEqual(got, []string{"10.0.0.0/24"}) {
		t.Errorf("flapped = %v", got)
	}
	if f := d.Flapped[0]; f.Previous != "nhA" || f.Current != "nhB" || f.Protocol != "bgp" {
		t.Errorf("flap = %+v", f)
	}
}

func TestDiff_JoinsOnPrefixAndProtocol(t *testing.T) {
	// Same prefix moving from one protocol to another is a remove plus an
	// add, not a flap.
	prev := snapshot([3]string{"10.0.0.0/24", "ospf", "nhA"})
	cur := snapshot([3]string{"10.0.0.0/24", "bgp", "nhB"})
	d := Diff(prev, cur)
	if len(d.Added) != 1 || len(d.Removed) != 1 || len(d.Flapped) != 0 {
		t.Errorf("delta = %+v", d)
	}
	if d.Added[0].Protocol != "bgp" || d.Removed[0].Protocol != "ospf" {
		t.Errorf("delta = %+v", d)
	}
}

func TestDiff_Baseline(t *testing.T) {
	cur := snapshot([3]string{"10.0.0.0/24", "bgp", "nhA"}, [3]string{"10.0.1.0/24", "bgp", "nhA"})
	d := Diff(nil, cur)
	if !d.Baseline || len(d.Added) != 2 {
		t.Errorf("delta = %+v", d)
	}
	if d.Counts["bgp"] != 2 {
		t.Errorf("counts = %v", d.Counts)
	}
}

func TestCapture(t *testing.T) {
	p := testutil.NewFakeProvider()
	ecmp := device.RouteEntry{
		Prefix:   "10.0.0.0/24",
		Protocol: "bgp",
		NextHops: []device.NextHop{{IP: "10.1.1.2", Interface: "Ethernet4"}, {IP: "10.1.1.1", Interface: "Ethernet0"}},
	}
	p.AddDevice("10.0.0.1", &testutil.FakeDevice{
		Hostname: "leaf1",
		Version:  "4.0.0",
		Routes: map[string][]device.RouteEntry{
			DefaultTable: {
				ecmp,
				testutil.Route("10.0.1.0/24", "ospf", "10.2.2.2"),
				testutil.Route("10.0.2.0/24", "connected", ""),
				testutil.Route("0.0.0.0/0", "static", "192.168.0.1"),
			},
			"Vrf-red": {testutil.Route("172.16.0.0/16", "bgp", "10.9.9.9")},
		},
	})
	m := session.NewManager(p)
	s, err := m.OpenOne(context.Background(), device.Target{Address: "10.0.0.1", Name: "leaf1"}, device.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(context.Background(), s)

	t.Run("default protocols", func(t *testing.T) {
		snap, err := Capture(context.Background(), p, s, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Table != DefaultTable || snap.DeviceID != "leaf1" {
			t.Errorf("snapshot identity = %s/%s", snap.DeviceID, snap.Table)
		}
		if snap.Len() != 3 {
			t.Errorf("routes = %v, want connected route dropped", snap.Keys())
		}
		nh, _ := snap.NextHop(Key{Prefix: "10.0.0.0/24", Protocol: "bgp"})
		if nh != "10.1.1.1@Ethernet0,10.1.1.2@Ethernet4" {
			t.Errorf("ecmp next hop = %q", nh)
		}
	})

	t.Run("protocol filter", func(t *testing.T) {
		snap, err := Capture(context.Background(), p, s, DefaultTable, []string{"BGP"})
		if err != nil {
			t.Fatal(err)
		}
		if got := snap.ByProtocol(); !reflect.DeepEqual(got, map[string]int{"bgp": 1}) {
			t.Errorf("ByProtocol = %v", got)
		}
	})

	t.Run("vrf table", func(t *testing.T) {
		snap, err := Capture(context.Background(), p, s, "Vrf-red", nil)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Len() != 1 {
			t.Errorf("routes = %v", snap.Keys())
		}
	})
}

func TestStore(t *testing.T) {
	s := NewStore()
	if s.Previous("leaf1", DefaultTable) != nil {
		t.Fatal("empty store returned a snapshot")
	}
	first := snapshot([3]string{"10.0.0.0/24", "bgp", "nhA"})
	second := snapshot()
	s.Commit(first)
	s.Commit(second)
	s.Commit(nil)
	if s.Previous("leaf1", DefaultTable) != second || s.Len() != 1 {
		t.Error("store must keep only the latest snapshot per device and table")
	}
}

type monitorFixture struct {
	provider *testutil.FakeProvider
	sessions *session.Manager
	monitor  *Monitor
	targets  []device.Target
}

func newMonitorFixture(t *testing.T, opts ...Option) *monitorFixture {
	t.Helper()
	f := &monitorFixture{provider: testutil.NewFakeProvider()}
	for _, d := range []struct{ addr, name string }{{"10.0.0.1", "leaf1"}, {"10.0.0.2", "leaf2"}} {
		f.provider.AddDevice(d.addr, &testutil.FakeDevice{
			Hostname: d.name,
			Routes: map[string][]device.RouteEntry{
				DefaultTable: {testutil.Route("10.0.0.0/24", "bgp", "nhA")},
			},
		})
		f.targets = append(f.targets, device.Target{Address: d.addr, Name: d.name})
	}
	f.sessions = session.NewManager(f.provider)
	f.monitor = NewMonitor(f.sessions, device.SingleCredentials(device.Credentials{Username: "admin"}), Config{Workers: 2}, opts...)
	return f
}

func (f *monitorFixture) assertClosed(t *testing.T) {
	t.Helper()
	if n := f.provider.OpenSessions(); n != 0 {
		t.Errorf("%d sessions left open", n)
	}
	if live := f.sessions.Live(); len(live) != 0 {
		t.Errorf("registry not empty: %+v", live)
	}
}

func TestRunCycle(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	first, err := f.monitor.RunCycle(ctx, f.targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Deltas) != 2 || !first.Deltas[0].Baseline || first.Changed() {
		t.Fatalf("first cycle = %+v", first)
	}
	f.assertClosed(t)

	f.provider.Device("10.0.0.1").Routes[DefaultTable] = []device.RouteEntry{
		testutil.Route("10.0.0.0/24", "bgp", "nhB"),
		testutil.Route("10.0.1.0/24", "ospf", "nhC"),
	}
	second, err := f.monitor.RunCycle(ctx, f.targets)
	if err != nil {
		t.Fatal(err)
	}
	if second.Cycle != 2 || !second.Changed() {
		t.Fatalf("second cycle = %+v", second)
	}
	d := second.Delta("leaf1", DefaultTable)
	if d == nil || d.Baseline {
		t.Fatalf("leaf1 delta = %+v", d)
	}
	if !reflect.DeepEqual(d.AddedPrefixes(), []string{"10.0.1.0/24"}) || !reflect.DeepEqual(d.FlappedPrefixes(), []string{"10.0.0.0/24"}) {
		t.Errorf("leaf1 delta = %+v", d)
	}
	if d2 := second.Delta("leaf2", DefaultTable); d2 == nil || !d2.Empty() {
		t.Errorf("leaf2 delta = %+v", d2)
	}
	f.assertClosed(t)
}

func TestRunCycle_FailureIsolated(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	if _, err := f.monitor.RunCycle(ctx, f.targets); err != nil {
		t.Fatal(err)
	}
	before := f.monitor.Store().Previous("leaf1", DefaultTable)

	queryErr := errors.New("redis: connection reset")
	f.provider.Device("10.0.0.1").QueryErr = map[device.QueryName]error{device.QueryRoutes: queryErr}
	f.provider.Device("10.0.0.2").Routes[DefaultTable] = nil

	res, err := f.monitor.RunCycle(ctx, f.targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failures) != 1 || res.Failures[0].DeviceID != "leaf1" || !errors.Is(res.Failures[0], queryErr) {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if f.monitor.Store().Previous("leaf1", DefaultTable) != before {
		t.Error("failed capture replaced the stored snapshot")
	}
	if d := res.Delta("leaf2", DefaultTable); d == nil || len(d.Removed) != 1 {
		t.Errorf("leaf2 delta = %+v", d)
	}
	f.assertClosed(t)
}

func TestRunCycle_OpenFailure(t *testing.T) {
	f := newMonitorFixture(t)
	f.provider.Device("10.0.0.2").OpenFailures = -1

	res, err := f.monitor.RunCycle(context.Background(), f.targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deltas) != 1 || res.Deltas[0].DeviceID != "leaf1" {
		t.Errorf("deltas = %+v", res.Deltas)
	}
	if len(res.Failures) != 1 || res.Failures[0].Table != "" || !errors.Is(res.Failures[0], testutil.ErrConnectionRefused) {
		t.Errorf("failures = %+v", res.Failures)
	}
	f.assertClosed(t)
}

func TestRunCycle_InvalidTargets(t *testing.T) {
	tests := []struct {
		name    string
		targets []device.Target
	}{
		{"duplicate address", []device.Target{{Address: "10.0.0.1"}, {Address: "10.0.0.1"}}},
		{"shared name", []device.Target{{Address: "10.0.0.1", Name: "spine"}, {Address: "10.0.0.2", Name: "spine"}}},
		{"name is another address", []device.Target{{Address: "10.0.0.1"}, {Address: "10.0.0.2", Name: "10.0.0.1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMonitorFixture(t)
			if _, err := f.monitor.RunCycle(context.Background(), tt.targets); !errors.Is(err, util.ErrValidationFailed) {
				t.Fatalf("RunCycle() error = %v, want validation failure", err)
			}
			if n := f.monitor.Store().Len(); n != 0 {
				t.Errorf("store holds %d snapshot(s) after a rejected batch", n)
			}
			if calls := f.provider.Calls(); len(calls) != 0 {
				t.Errorf("provider used for a rejected batch: %+v", calls)
			}
		})
	}
}

func TestRun(t *testing.T) {
	t.Run("once", func(t *testing.T) {
		var cycles []*CycleResult
		f := newMonitorFixture(t, WithSink(SinkFunc(func(_ context.Context, c *CycleResult) error {
			cycles = append(cycles, c)
			return nil
		})))
		if err := f.monitor.Run(context.Background(), f.targets, RunOptions{Once: true}); err != nil {
			t.Fatal(err)
		}
		if len(cycles) != 1 {
			t.Errorf("cycles = %d, want 1", len(cycles))
		}
		f.assertClosed(t)
	})

	t.Run("loop until cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var mu sync.Mutex
		var seen []int
		f := newMonitorFixture(t, WithSink(SinkFunc(func(_ context.Context, c *CycleResult) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, c.Cycle)
			if len(seen) == 3 {
				cancel()
			}
			return errors.New("sink errors are logged, not fatal")
		})))

		done := make(chan error, 1)
		go func() { done <- f.monitor.Run(ctx, f.targets, RunOptions{Interval: time.Millisecond}) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not stop after cancellation")
		}
		mu.Lock()
		defer mu.Unlock()
		if !reflect.DeepEqual(seen, []int{1, 2, 3}) {
			t.Errorf("cycles = %v", seen)
		}
		f.assertClosed(t)
	})

	t.Run("interval required", func(t *testing.T) {
		f := newMonitorFixture(t)
		if err := f.monitor.Run(context.Background(), f.targets, RunOptions{}); err == nil {
			t.Error("zero interval accepted for a loop")
		}
	})
}

func TestRun_CancelMidCycle(t *testing.T) {
	var mu sync.Mutex
	var emitted []int
	f := newMonitorFixture(t, WithSink(SinkFunc(func(_ context.Context, c *CycleResult) error {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, c.Cycle)
		return nil
	})))
	if _, err := f.monitor.RunCycle(context.Background(), f.targets); err != nil {
		t.Fatal(err)
	}
	before := map[string]*Snapshot{
		"leaf1": f.monitor.Store().Previous("leaf1", DefaultTable),
		"leaf2": f.monitor.Store().Previous("leaf2", DefaultTable),
	}

	// Both route queries of the next cycle hang until the run is cancelled.
	blocked := make(chan struct{}, 2)
	hang := func(ctx context.Context, q device.Query) error {
		if q.Name != device.QueryRoutes {
			return nil
		}
		blocked <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		d := f.provider.Device(addr)
		d.QueryHook = hang
		d.Routes[DefaultTable] = []device.RouteEntry{testutil.Route("10.9.0.0/24", "bgp", "nhZ")}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx, f.targets, RunOptions{Interval: time.Millisecond}) }()
	for i := 0; i < 2; i++ {
		select {
		case <-blocked:
		case <-time.After(5 * time.Second):
			t.Fatal("route query never started")
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	f.assertClosed(t)
	for id, snap := range before {
		if f.monitor.Store().Previous(id, DefaultTable) != snap {
			t.Errorf("%s: cancelled capture replaced the stored snapshot", id)
		}
	}
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		if n := f.provider.Count(addr, testutil.OpOpen); n != 2 {
			t.Errorf("%s opened %d times, want 2 (no cycle after cancellation)", addr, n)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(emitted, []int{2}) {
		t.Errorf("emitted cycles = %v, want [2]", emitted)
	}
}
