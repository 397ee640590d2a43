package precheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newtron-network/newtops/internal/testutil"
	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/session"
)

func TestRunBatch(t *testing.T) {
	p := testutil.NewFakeProvider()
	p.AddDevice("10.0.0.1", healthyDevice())
	low := healthyDevice()
	low.AvailableKB = 10
	p.AddDevice("10.0.0.2", low)
	down := healthyDevice()
	down.OpenFailures = -1
	p.AddDevice("10.0.0.3", down)

	pc := New(p, Config{ProbeInterval: time.Millisecond, ProbeTimeout: 50 * time.Millisecond, MinFreeKB: 1 << 20}, nil)
	m := session.NewManager(p)
	targets := []device.Target{
		{Address: "10.0.0.1", Name: "leaf1"},
		{Address: "10.0.0.2", Name: "leaf2"},
		{Address: "10.0.0.3", Name: "leaf3"},
	}
	creds := device.SingleCredentials(device.Credentials{Username: "admin"})

	b, err := pc.RunBatch(context.Background(), m, targets, creds, image, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Results) != 3 || b.Ready() != 1 {
		t.Fatalf("batch = %+v", b)
	}
	for i, want := range []string{"leaf1", "leaf2", "leaf3"} {
		if b.Results[i].DeviceID != want {
			t.Errorf("result %d = %s, want %s", i, b.Results[i].DeviceID, want)
		}
	}
	if !b.Result("leaf2").Failed(CheckDiskSpace) {
		t.Errorf("leaf2 = %+v", b.Result("leaf2").Checks)
	}
	r3 := b.Result("leaf3")
	cr, _ := r3.Get(CheckReachability)
	if !r3.Failed(CheckReachability) || len(r3.Results) != 1 || !errors.Is(cr.Err, testutil.ErrConnectionRefused) {
		t.Errorf("leaf3 = %+v", r3)
	}
	if p.OpenSessions() != 0 || len(m.Live()) != 0 {
		t.Error("sessions left open after batch")
	}
}

func TestRunBatch_Duplicates(t *testing.T) {
	p := testutil.NewFakeProvider()
	pc := New(p, Config{}, nil)
	targets := []device.Target{{Address: "10.0.0.1"}, {Address: " 10.0.0.1 "}}
	if _, err := pc.RunBatch(context.Background(), session.NewManager(p), targets, device.SingleCredentials(device.Credentials{}), image, 1); err == nil {
		t.Error("duplicate targets accepted")
	}
}
