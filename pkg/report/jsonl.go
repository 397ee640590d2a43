package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/routemon"
	"github.com/newtron-network/newtops/pkg/upgrade"
	"github.com/newtron-network/newtops/pkg/util"
)

// Kind is the type of a JSON-lines record.
type Kind string

const (
	KindUpgrade      Kind = "upgrade"
	KindPrecheck     Kind = "precheck"
	KindRouteDelta   Kind = "route-delta"
	KindRouteFailure Kind = "route-failure"
)

// Record is one line of a JSON-lines report: one device's outcome for one
// run or cycle.
type Record struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	RunID   string    `json:"run_id,omitempty"`
	Cycle   int       `json:"cycle,omitempty"`
	Device  string    `json:"device"`
	Success bool      `json:"success"`

	Upgrade  *upgrade.Outcome       `json:"upgrade,omitempty"`
	Precheck *precheck.Result       `json:"precheck,omitempty"`
	Delta    *routemon.Delta        `json:"delta,omitempty"`
	Failure  *routemon.CaptureError `json:"failure,omitempty"`
}

// Filter selects records in ReadRecords. Zero fields match everything.
type Filter struct {
	Kind         Kind
	Device       string
	RunID        string
	Since        time.Time
	FailuresOnly bool
}

func (f Filter) matches(r *Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Device != "" && r.Device != f.Device {
		return false
	}
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if !f.Since.IsZero() && r.Time.Before(f.Since) {
		return false
	}
	if f.FailuresOnly && r.Success {
		return false
	}
	return true
}

// Rotation configures JSON-lines file rotation.
type Rotation struct {
	MaxSize    int64 // bytes; 0 disables rotation
	MaxBackups int   // rotated files kept; 0 keeps all
}

// JSONLines appends records to a file, one JSON object per line.
type JSONLines struct {
	path     string
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	rotation Rotation
	now      func() time.Time
}

// NewJSONLines opens (or creates) path for appending.
func NewJSONLines(path string, rotation Rotation) (*JSONLines, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening report file: %w", err)
	}
	return &JSONLines{
		path:     path,
		file:     file,
		encoder:  json.NewEncoder(file),
		rotation: rotation,
		now:      time.Now,
	}, nil
}

// Path returns the active file path.
func (j *JSONLines) Path() string { return j.path }

// Write appends records, rotating first if the file reached MaxSize.
func (j *JSONLines) Write(records ...*Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("report %s: %w", j.path, os.ErrClosed)
	}
	for _, r := range records {
		if j.rotation.MaxSize > 0 {
			if info, err := j.file.Stat(); err == nil && info.Size() >= j.rotation.MaxSize {
				if err := j.rotate(); err != nil {
					return fmt.Errorf("rotating report: %w", err)
				}
			}
		}
		if err := j.encoder.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// EmitUpgrade implements Emitter.
func (j *JSONLines) EmitUpgrade(br *upgrade.BatchResult) error {
	at := j.now()
	records := make([]*Record, 0, len(br.Outcomes))
	for i := range br.Outcomes {
		o := &br.Outcomes[i]
		records = append(records, &Record{
			Time: at, Kind: KindUpgrade, RunID: br.RunID,
			Device: o.DeviceID, Success: o.Succeeded(), Upgrade: o,
		})
	}
	return j.Write(records...)
}

// EmitPrecheck implements Emitter.
func (j *JSONLines) EmitPrecheck(b *precheck.Batch) error {
	at := j.now()
	records := make([]*Record, 0, len(b.Results))
	for _, r := range b.Results {
		records = append(records, &Record{
			Time: at, Kind: KindPrecheck, RunID: b.RunID,
			Device: r.DeviceID, Success: !r.Blocking, Precheck: r,
		})
	}
	return j.Write(records...)
}

// EmitCycle implements Emitter.
func (j *JSONLines) EmitCycle(_ context.Context, c *routemon.CycleResult) error {
	records := make([]*Record, 0, len(c.Deltas)+len(c.Failures))
	for _, d := range c.Deltas {
		records = append(records, &Record{
			Time: d.At, Kind: KindRouteDelta, Cycle: c.Cycle,
			Device: d.DeviceID, Success: true, Delta: d,
		})
	}
	for _, f := range c.Failures {
		records = append(records, &Record{
			Time: c.StartedAt, Kind: KindRouteFailure, Cycle: c.Cycle,
			Device: f.DeviceID, Failure: f,
		})
	}
	return j.Write(records...)
}

// Close closes the file.
func (j *JSONLines) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *JSONLines) rotate() error {
	rotated, err := j.backupName()
	if err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(j.path, rotated); err != nil {
		return err
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	if j.rotation.MaxBackups > 0 {
		j.pruneBackups()
	}
	return nil
}

// backupName returns the first unused <path>.<timestamp>.<seq> name. The
// sequence keeps rotations within the same second apart.
func (j *JSONLines) backupName() (string, error) {
	stamp := j.path + "." + j.now().Format(TimestampFormat)
	for seq := 1; seq < 10000; seq++ {
		name := fmt.Sprintf("%s.%04d", stamp, seq)
		if _, err := os.Lstat(name); os.IsNotExist(err) {
			return name, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free backup name for %s", stamp)
}

func (j *JSONLines) pruneBackups() {
	matches, err := filepath.Glob(j.path + ".*")
	if err != nil || len(matches) <= j.rotation.MaxBackups {
		return
	}
	// Suffixes are a timestamp then a zero-padded sequence, so lexical
	// order is age order.
	sort.Strings(matches)
	for _, p := range matches[:len(matches)-j.rotation.MaxBackups] {
		os.Remove(p)
	}
}

// ReadRecords reads the records in path that match f. Malformed lines are
// skipped with a warning. A missing file yields no records.
func ReadRecords(path string, f Filter) ([]*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []*Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			util.Warnf("report: skipping malformed record at %s:%d: %v", path, line, err)
			continue
		}
		if f.matches(&r) {
			out = append(out, &r)
		}
	}
	return out, scanner.Err()
}
