// Package report formats upgrade outcomes, precheck results and route
// deltas for operators: console tables, JSON-lines records and markdown
// summaries.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/routemon"
	"github.com/newtron-network/newtops/pkg/upgrade"
)

// TimestampFormat is used in report file names.
const TimestampFormat = "20060102-150405"

// Emitter consumes the results of one command run. EmitCycle may be called
// repeatedly for a monitoring loop.
type Emitter interface {
	EmitUpgrade(br *upgrade.BatchResult) error
	EmitPrecheck(b *precheck.Batch) error
	EmitCycle(ctx context.Context, c *routemon.CycleResult) error
	Close() error
}

var _ routemon.DeltaSink = (Emitter)(nil)

// FileName returns "<prefix>_<timestamp><ext>".
func FileName(prefix string, t time.Time, ext string) string {
	return prefix + "_" + t.Format(TimestampFormat) + ext
}

// Multi fans every result out to several emitters. All emitters are
// called even if one fails; errors are joined.
type Multi []Emitter

// EmitUpgrade implements Emitter.
func (m Multi) EmitUpgrade(br *upgrade.BatchResult) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.EmitUpgrade(br))
	}
	return errors.Join(errs...)
}

// EmitPrecheck implements Emitter.
func (m Multi) EmitPrecheck(b *precheck.Batch) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.EmitPrecheck(b))
	}
	return errors.Join(errs...)
}

// EmitCycle implements Emitter.
func (m Multi) EmitCycle(ctx context.Context, c *routemon.CycleResult) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.EmitCycle(ctx, c))
	}
	return errors.Join(errs...)
}

// Close implements Emitter.
func (m Multi) Close() error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}

func precheckCell(r *precheck.Result, check string) string {
	if s := r.Status(check); s != "" {
		return string(s)
	}
	return "-"
}

var precheckColumns = []string{
	precheck.CheckReachability,
	precheck.CheckPending,
	precheck.CheckImage,
	precheck.CheckDiskSpace,
}
