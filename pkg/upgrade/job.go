package upgrade

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/precheck"
	"github.com/newtron-network/newtops/pkg/util"
)

// State is a position in the upgrade state machine.
type State string

const (
	StateProbing      State = "probing"
	StatePrechecking  State = "prechecking"
	StateInstalling   State = "installing"
	StateRebooting    State = "rebooting"
	StateReconnecting State = "reconnecting"
	StateVerifying    State = "verifying"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Events driving the state machine.
const (
	EventProbeOK        = "probe_ok"
	EventAlreadyCurrent = "already_current"
	EventPrecheckOK     = "precheck_ok"
	EventClearPending   = "clear_pending" // reboot to clear a pending operation
	EventRolledBack     = "rolled_back"   // pending operation rolled back, probe again
	EventInstallOK      = "install_ok"
	EventRebootOK       = "reboot_ok"
	EventReconnectOK    = "reconnect_ok"
	EventResume         = "resume" // back after a clearing reboot, probe again
	EventVerifyOK       = "verify_ok"
	EventFail           = "fail"
)

var nonTerminal = []string{
	string(StateProbing),
	string(StatePrechecking),
	string(StateInstalling),
	string(StateRebooting),
	string(StateReconnecting),
	string(StateVerifying),
}

func upgradeEvents() fsm.Events {
	return fsm.Events{
		{Name: EventProbeOK, Src: []string{string(StateProbing)}, Dst: string(StatePrechecking)},
		{Name: EventAlreadyCurrent, Src: []string{string(StatePrechecking)}, Dst: string(StateSucceeded)},
		{Name: EventPrecheckOK, Src: []string{string(StatePrechecking)}, Dst: string(StateInstalling)},
		{Name: EventClearPending, Src: []string{string(StatePrechecking)}, Dst: string(StateRebooting)},
		{Name: EventRolledBack, Src: []string{string(StatePrechecking)}, Dst: string(StateProbing)},
		{Name: EventInstallOK, Src: []string{string(StateInstalling)}, Dst: string(StateRebooting)},
		{Name: EventRebootOK, Src: []string{string(StateRebooting)}, Dst: string(StateReconnecting)},
		{Name: EventReconnectOK, Src: []string{string(StateReconnecting)}, Dst: string(StateVerifying)},
		{Name: EventResume, Src: []string{string(StateReconnecting)}, Dst: string(StateProbing)},
		{Name: EventVerifyOK, Src: []string{string(StateVerifying)}, Dst: string(StateSucceeded)},
		{Name: EventFail, Src: nonTerminal, Dst: string(StateFailed)},
	}
}

// Transition is one recorded state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// Job is the per-device upgrade attempt. It is owned by a single worker
// and mutated only by the coordinator.
type Job struct {
	ID            string
	Target        device.Target
	TargetImage   string
	TargetVersion string

	FromVersion  string
	FinalVersion string
	ShortCircuit bool // already at target, nothing installed
	Attempts     int  // reconnect attempts made by the last reconnect
	Resolutions  int  // pending-operation resolutions applied
	LastError    error
	Precheck     *precheck.Result
	History      []Transition
	StartedAt    time.Time
	FinishedAt   time.Time

	clearing          bool // rebooting to clear a pending operation
	downgradeApproved bool
	machine           *fsm.FSM
	logger            *logrus.Entry
}

func newJob(t device.Target, image, ver string, logger *logrus.Entry) *Job {
	j := &Job{
		ID:            uuid.NewString(),
		Target:        t,
		TargetImage:   image,
		TargetVersion: ver,
		StartedAt:     time.Now(),
	}
	j.logger = util.WithDevice(logger, t.ID()).WithField("job", j.ID[:8])
	j.machine = fsm.NewFSM(string(StateProbing), upgradeEvents(), fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			j.History = append(j.History, Transition{
				From:  State(e.Src),
				To:    State(e.Dst),
				Event: e.Event,
				At:    time.Now(),
			})
			j.logger.Debugf("%s -> %s (%s)", e.Src, e.Dst, e.Event)
		},
		"enter_" + string(StateSucceeded): func(_ context.Context, e *fsm.Event) {
			j.FinishedAt = time.Now()
		},
		"enter_" + string(StateFailed): func(_ context.Context, e *fsm.Event) {
			j.FinishedAt = time.Now()
		},
	})
	return j
}

// State returns the current state.
func (j *Job) State() State {
	return State(j.machine.Current())
}

// DeviceID returns the target's identifier.
func (j *Job) DeviceID() string {
	return j.Target.ID()
}

// Reason returns the failure reason, or ReasonNone.
func (j *Job) Reason() Reason {
	if j.State() != StateFailed {
		return ReasonNone
	}
	return Classify(j.LastError)
}

// fire applies event. Callbacks never fail, so an error here means the
// coordinator attempted an illegal transition.
func (j *Job) fire(event string) error {
	return j.machine.Event(context.Background(), event)
}

// fail moves the job to Failed, recording the reason and cause. A
// recovered panic is always reported as an unknown error.
func (j *Job) fail(reason Reason, err error) {
	state := j.State()
	if state.Terminal() {
		return
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		reason = ReasonUnknownError
	}
	j.LastError = &FailureError{Reason: reason, State: state, Err: err}
	if ferr := j.fire(EventFail); ferr != nil {
		j.logger.Errorf("Cannot fail job from %s: %v", state, ferr)
	}
}
