package precheck

import (
	"context"
	"path"
	"strings"

	"github.com/newtron-network/newtops/pkg/device"
)

// PendingCheck detects an in-progress install or an image staged for the
// next boot that has not been activated.
type PendingCheck struct{}

// Name returns the check name
func (c *PendingCheck) Name() string { return CheckPending }

// Run executes the pending-operation check
func (c *PendingCheck) Run(ctx context.Context, in *Input) CheckResult {
	r, err := in.query(ctx, device.NewQuery(device.QueryInstallState))
	if err != nil {
		return failed(err, "reading install state: %v", err)
	}
	p := DetectPending(r)
	if p == nil {
		return passed("no pending software operation")
	}
	res := failed(nil, "%s", p)
	res.Details = p
	return res
}

// DetectPending interprets an install-state result. It returns nil when
// nothing is pending.
func DetectPending(r *device.QueryResult) *Pending {
	p := &Pending{
		InProgress: r.Bool(device.ValueInProgress),
		Current:    r.Value(device.ValueCurrent),
		Next:       r.Value(device.ValueNext),
	}
	if p.InProgress || (p.Next != "" && p.Next != p.Current) {
		return p
	}
	return nil
}

// ImageCheck verifies the target artifact is staged on the device.
type ImageCheck struct{}

// Name returns the check name
func (c *ImageCheck) Name() string { return CheckImage }

// Run executes the image presence check
func (c *ImageCheck) Run(ctx context.Context, in *Input) CheckResult {
	if in.Image == "" {
		return passed("no image requested")
	}
	dir := in.Config.StagingDir
	r, err := in.query(ctx, device.NewQuery(device.QueryStagedImages, device.ArgDirectory, dir))
	if err != nil {
		return failed(err, "listing %s: %v", dir, err)
	}
	want := path.Base(in.Image)
	for _, line := range r.Lines {
		if path.Base(strings.TrimSpace(line)) == want {
			return passed("%s present in %s", want, dir)
		}
	}
	return failed(nil, "%s not found in %s", want, dir)
}

// DiskSpaceCheck verifies free space on the target partition.
type DiskSpaceCheck struct{}

// Name returns the check name
func (c *DiskSpaceCheck) Name() string { return CheckDiskSpace }

// Run executes the disk space check
func (c *DiskSpaceCheck) Run(ctx context.Context, in *Input) CheckResult {
	part := in.Config.Partition
	r, err := in.query(ctx, device.NewQuery(device.QueryDiskFree, device.ArgPartition, part))
	if err != nil {
		return failed(err, "reading free space on %s: %v", part, err)
	}
	avail, ok := r.Int(device.ValueAvailableKB)
	if !ok {
		return failed(nil, "free space on %s not reported", part)
	}
	if avail <= in.Config.MinFreeKB {
		return failed(nil, "%d KB free on %s, need more than %d KB", avail, part, in.Config.MinFreeKB)
	}
	return passed("%d KB free on %s", avail, part)
}
