package upgrade

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/newtron-network/newtops/pkg/precheck"
)

// Outcome is the terminal record of one device's job.
type Outcome struct {
	JobID        string           `json:"job_id,omitempty"`
	DeviceID     string           `json:"device"`
	Address      string           `json:"address"`
	State        State            `json:"state"`
	Reason       Reason           `json:"reason,omitempty"`
	Error        string           `json:"error,omitempty"`
	FromVersion  string           `json:"from_version,omitempty"`
	ToVersion    string           `json:"to_version,omitempty"`
	ShortCircuit bool             `json:"short_circuit,omitempty"`
	Attempts     int              `json:"reconnect_attempts,omitempty"`
	Resolutions  int              `json:"pending_resolutions,omitempty"`
	Duration     time.Duration    `json:"duration"`
	History      []Transition     `json:"history,omitempty"`
	Precheck     *precheck.Result `json:"precheck,omitempty"`

	Err error `json:"-"`
}

// Succeeded reports whether the job ended in Succeeded.
func (o Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}

func (j *Job) outcome() Outcome {
	o := Outcome{
		JobID:        j.ID,
		DeviceID:     j.DeviceID(),
		Address:      j.Target.Address,
		State:        j.State(),
		Reason:       j.Reason(),
		FromVersion:  j.FromVersion,
		ToVersion:    j.FinalVersion,
		ShortCircuit: j.ShortCircuit,
		Attempts:     j.Attempts,
		Resolutions:  j.Resolutions,
		History:      append([]Transition(nil), j.History...),
		Precheck:     j.Precheck,
	}
	end := j.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	o.Duration = end.Sub(j.StartedAt)
	if o.State == StateFailed && j.LastError != nil {
		o.Err = j.LastError
		o.Error = j.LastError.Error()
	}
	return o
}

// BatchResult holds every outcome of one Run.
type BatchResult struct {
	RunID     string        `json:"run_id"`
	Image     string        `json:"image"`
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcomes  []Outcome     `json:"outcomes"`
}

// Summary counts outcomes.
type Summary struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByReason  map[Reason]int `json:"by_reason,omitempty"`
}

// Summary returns success and failure counts with per-reason totals.
func (b *BatchResult) Summary() Summary {
	s := Summary{Total: len(b.Outcomes), ByReason: make(map[Reason]int)}
	for _, o := range b.Outcomes {
		if o.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.ByReason[o.Reason]++
	}
	return s
}

// Failures returns the failed outcomes in target order.
func (b *BatchResult) Failures() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Outcome returns the outcome for a device ID.
func (b *BatchResult) Outcome(deviceID string) (Outcome, bool) {
	for _, o := range b.Outcomes {
		if o.DeviceID == deviceID {
			return o, true
		}
	}
	return Outcome{}, false
}

func (s Summary) String() string {
	if s.Failed == 0 {
		return fmt.Sprintf("%d succeeded, 0 failed", s.Succeeded)
	}
	reasons := make([]string, 0, len(s.ByReason))
	for r, n := range s.ByReason {
		reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
	}
	sort.Strings(reasons)
	return fmt.Sprintf("%d succeeded, %d failed (%s)", s.Succeeded, s.Failed, strings.Join(reasons, ", "))
}
