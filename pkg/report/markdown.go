package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/routemon"
	"github.com/newtron-network/newtops/pkg/upgrade"
)

// DateTimeFormat is used in report headings.
const DateTimeFormat = "2006-01-02 15:04:05"

// Markdown writes one timestamped markdown file per run or cycle into a
// directory: upgrade_<ts>.md, precheck_<ts>.md, route_monitor_<ts>.md.
type Markdown struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	written []string
}

// NewMarkdown returns a Markdown emitter writing into dir.
func NewMarkdown(dir string) *Markdown {
	return &Markdown{dir: dir, now: time.Now}
}

// Written returns the paths of all files written so far.
func (m *Markdown) Written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.written...)
}

func (m *Markdown) write(prefix string, body []byte) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.dir, FileName(prefix, m.now(), ".md"))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return err
	}
	m.mu.Lock()
	m.written = append(m.written, path)
	m.mu.Unlock()
	return nil
}

// EmitUpgrade implements Emitter.
func (m *Markdown) EmitUpgrade(br *upgrade.BatchResult) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Upgrade Report — %s\n\n", br.StartedAt.Format(DateTimeFormat))
	fmt.Fprintf(&b, "Target version **%s** (`%s`), run `%s`, %s.\n\n", br.Version, br.Image, br.RunID, br.Duration.Round(time.Second))
	fmt.Fprintf(&b, "**%s**\n\n", br.Summary())

	fmt.Fprintln(&b, "| Device | Address | State | Reason | From | To | Reconnects | Duration |")
	fmt.Fprintln(&b, "|--------|---------|-------|--------|------|----|------------|----------|")
	for _, o := range br.Outcomes {
		state := string(o.State)
		if o.ShortCircuit {
			state += " (already current)"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %d | %s |\n",
			o.DeviceID, o.Address, state, o.Reason, o.FromVersion, o.ToVersion,
			o.Attempts, o.Duration.Round(time.Second))
	}

	if failures := br.Failures(); len(failures) > 0 {
		fmt.Fprintf(&b, "\n## Failures\n\n")
		for _, o := range failures {
			fmt.Fprintf(&b, "### %s\n", o.DeviceID)
			fmt.Fprintf(&b, "%s: %s\n\n", o.Reason, mdEscape(o.Error))
			if len(o.History) > 0 {
				var path []string
				for _, tr := range o.History {
					path = append(path, string(tr.To))
				}
				fmt.Fprintf(&b, "Path: %s -> %s\n\n", upgrade.StateProbing, strings.Join(path, " -> "))
			}
		}
	}
	return m.write("upgrade", b.Bytes())
}

// EmitPrecheck implements Emitter.
func (m *Markdown) EmitPrecheck(pb *precheck.Batch) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Precheck Report — %s\n\n", pb.StartedAt.Format(DateTimeFormat))
	fmt.Fprintf(&b, "Image `%s`: **%d of %d device(s) ready**\n\n", pb.Image, pb.Ready(), len(pb.Results))

	fmt.Fprintf(&b, "| Device | Ready | %s |\n", strings.Join(precheckColumns, " | "))
	fmt.Fprintf(&b, "|--------|-------|%s\n", strings.Repeat("-----|", len(precheckColumns)))
	for _, r := range pb.Results {
		cells := make([]string, 0, len(precheckColumns))
		for _, c := range precheckColumns {
			cells = append(cells, precheckCell(r, c))
		}
		ready := "yes"
		if r.Blocking {
			ready = "no"
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", r.DeviceID, ready, strings.Join(cells, " | "))
	}

	header := false
	for _, r := range pb.Results {
		for _, cr := range r.Results {
			if cr.Status == precheck.StatusPass {
				continue
			}
			if !header {
				fmt.Fprintf(&b, "\n## Findings\n\n")
				header = true
			}
			fmt.Fprintf(&b, "- **%s** %s %s: %s\n", r.DeviceID, cr.Check, cr.Status, mdEscape(cr.Message))
		}
	}
	return m.write("precheck", b.Bytes())
}

// EmitCycle implements Emitter: a route_monitor report per cycle.
func (m *Markdown) EmitCycle(_ context.Context, c *routemon.CycleResult) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Route Monitor — cycle %d, %s\n\n", c.Cycle, c.StartedAt.Format(DateTimeFormat))

	protos := make([]string, len(routemon.DefaultProtocols))
	for i, p := range routemon.DefaultProtocols {
		protos[i] = strings.ToUpper(p)
	}
	fmt.Fprintf(&b, "| Device | Table | %s | Added | Removed | Flapped |\n", strings.Join(protos, " | "))
	fmt.Fprintf(&b, "|--------|-------|%s-------|---------|---------|\n", strings.Repeat("-----|", len(protos)))
	for _, d := range c.Deltas {
		counts := make([]string, len(routemon.DefaultProtocols))
		for i, p := range routemon.DefaultProtocols {
			counts[i] = fmt.Sprint(d.Counts[p])
		}
		if d.Baseline {
			fmt.Fprintf(&b, "| %s | %s | %s | baseline | | |\n", d.DeviceID, d.Table, strings.Join(counts, " | "))
			continue
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %d | %d |\n", d.DeviceID, d.Table, strings.Join(counts, " | "),
			len(d.Added), len(d.Removed), len(d.Flapped))
	}

	for _, d := range c.Deltas {
		if d.Baseline || d.Empty() {
			continue
		}
		fmt.Fprintf(&b, "\n## %s / %s\n\n", d.DeviceID, d.Table)
		for _, ch := range d.Added {
			fmt.Fprintf(&b, "- added `%s` (%s) via %s\n", ch.Prefix, ch.Protocol, ch.Current)
		}
		for _, ch := range d.Removed {
			fmt.Fprintf(&b, "- removed `%s` (%s) via %s\n", ch.Prefix, ch.Protocol, ch.Previous)
		}
		for _, ch := range d.Flapped {
			fmt.Fprintf(&b, "- flapped `%s` (%s): %s -> %s\n", ch.Prefix, ch.Protocol, ch.Previous, ch.Current)
		}
	}

	if len(c.Failures) > 0 {
		fmt.Fprintf(&b, "\n## Failures\n\n")
		for _, f := range c.Failures {
			fmt.Fprintf(&b, "- %s\n", mdEscape(f.Error()))
		}
	}
	return m.write("route_monitor", b.Bytes())
}

// Close implements Emitter.
func (m *Markdown) Close() error { return nil }

func mdEscape(s string) string {
	return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
}
