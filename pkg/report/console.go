package report

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/newtron-network/newtops/pkg/cli"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/routemon"
	"github.com/newtron-network/newtops/pkg/upgrade"
)

// checkWidth is the dot-padded width of a check name in precheck details.
const checkWidth = 20

// Console writes human-readable tables.
type Console struct {
	out io.Writer
	// Changes lists every added, removed and flapped route under the
	// monitoring table.
	Changes bool
}

// NewConsole returns a Console writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, Changes: true}
}

// EmitUpgrade implements Emitter.
func (c *Console) EmitUpgrade(br *upgrade.BatchResult) error {
	t := cli.NewTableTo(c.out, "DEVICE", "ADDRESS", "RESULT", "REASON", "FROM", "TO", "RECONNECTS", "DURATION")
	for _, o := range br.Outcomes {
		result := "succeeded"
		if o.ShortCircuit {
			result = "ok"
		} else if !o.Succeeded() {
			result = "failed"
		}
		t.Row(o.DeviceID, o.Address, cli.Status(result), dash(string(o.Reason)),
			dash(o.FromVersion), dash(o.ToVersion), strconv.Itoa(o.Attempts), o.Duration.Round(time.Second).String())
	}
	t.Flush()

	if failures := br.Failures(); len(failures) > 0 {
		fmt.Fprintln(c.out)
		for _, o := range failures {
			fmt.Fprintf(c.out, "  %s: %s\n", cli.Bold(o.DeviceID), o.Error)
		}
	}
	fmt.Fprintf(c.out, "\n%s %s\n", cli.Bold("Upgrade to "+br.Version+":"), br.Summary())
	return nil
}

// EmitPrecheck implements Emitter.
func (c *Console) EmitPrecheck(b *precheck.Batch) error {
	headers := append([]string{"DEVICE", "STATUS"}, precheckColumns...)
	t := cli.NewTableTo(c.out, headers...)
	for _, r := range b.Results {
		status := "ready"
		if r.Blocking {
			status = "failed"
		}
		row := []string{r.DeviceID, cli.Status(status)}
		for _, check := range precheckColumns {
			row = append(row, precheckCell(r, check))
		}
		t.Row(row...)
	}
	t.Flush()

	fmt.Fprintln(c.out)
	for _, r := range b.Results {
		for _, cr := range r.Results {
			if cr.Status != precheck.StatusPass {
				fmt.Fprintf(c.out, "  %s %s %s: %s\n", cli.Bold(r.DeviceID), cli.DotPad(cr.Check, checkWidth),
					cli.Status(string(cr.Status)), cr.Message)
			}
		}
	}
	fmt.Fprintf(c.out, "%s %d of %d device(s) ready\n", cli.Bold("Precheck:"), b.Ready(), len(b.Results))
	return nil
}

// EmitCycle implements Emitter and routemon.DeltaSink.
func (c *Console) EmitCycle(_ context.Context, cr *routemon.CycleResult) error {
	fmt.Fprintf(c.out, "%s %s\n", cli.Bold(fmt.Sprintf("Cycle %d", cr.Cycle)), cli.Dim(cr.StartedAt.Format(time.RFC3339)))

	headers := []string{"DEVICE", "TABLE", "ROUTES"}
	for _, p := range routemon.DefaultProtocols {
		headers = append(headers, strings.ToUpper(p))
	}
	headers = append(headers, "ADDED", "REMOVED", "FLAPPED")
	t := cli.NewTableTo(c.out, headers...)
	for _, d := range cr.Deltas {
		total := 0
		for _, n := range d.Counts {
			total += n
		}
		row := []string{d.DeviceID, d.Table, strconv.Itoa(total)}
		for _, p := range routemon.DefaultProtocols {
			row = append(row, strconv.Itoa(d.Counts[p]))
		}
		if d.Baseline {
			row = append(row, "-", "-", "-")
		} else {
			row = append(row, strconv.Itoa(len(d.Added)), strconv.Itoa(len(d.Removed)), strconv.Itoa(len(d.Flapped)))
		}
		t.Row(row...)
	}
	t.Flush()

	if c.Changes {
		changes := cli.NewTableTo(c.out, "", "DEVICE", "TABLE", "PREFIX", "PROTOCOL", "NEXT HOP").WithPrefix("  ")
		for _, d := range cr.Deltas {
			if d.Baseline {
				continue
			}
			for _, ch := range d.Added {
				changes.Row("+", d.DeviceID, d.Table, ch.Prefix, ch.Protocol, dash(ch.Current))
			}
			for _, ch := range d.Removed {
				changes.Row("-", d.DeviceID, d.Table, ch.Prefix, ch.Protocol, dash(ch.Previous))
			}
			for _, ch := range d.Flapped {
				changes.Row("~", d.DeviceID, d.Table, ch.Prefix, ch.Protocol, dash(ch.Previous)+" -> "+dash(ch.Current))
			}
		}
		changes.Flush()
	}
	for _, f := range cr.Failures {
		fmt.Fprintf(c.out, "  %s %s\n", cli.Status("error"), f.Error())
	}
	fmt.Fprintln(c.out)
	return nil
}

// Close implements Emitter.
func (c *Console) Close() error { return nil }

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
