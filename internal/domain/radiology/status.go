package radiology

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// transitions lists the normal next state of each status. FINAL is terminal.
var transitions = map[Status][]Status{
	StatusInRequest:  {StatusInQueue},
	StatusInQueue:    {StatusInProgress},
	StatusInProgress: {StatusFinal},
	StatusFinal:      {},
}

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := transitions[st]
	return st, ok
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusFinal
}

// CanTransitionTo reports whether to is the normal successor of s.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOptions qualify a status change.
type TransitionOptions struct {
	// Override lets an authorized caller set any status directly. The
	// dispatch gate on IN_QUEUE and the FINAL bookkeeping still apply.
	Override  bool
	Reason    string
	ChangedBy string
	// Result is written onto the detail order when moving to FINAL.
	Result *DiagnosticResult
}

// StateMachine is the only code path that changes DetailOrder.Status.
type StateMachine struct {
	now func() time.Time
}

func NewStateMachine(now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{now: now}
}

// Transition moves d to status to. On success d is updated in place and the
// history record to persist is returned; on failure d is left untouched.
func (m *StateMachine) Transition(d *DetailOrder, to Status, opts TransitionOptions) (*StatusChange, error) {
	if !to.Valid() {
		return nil, validationError("status", "unknown status %q", to)
	}
	from := d.Status
	if from == to {
		return nil, validationError("status", "detail order is already %s", to)
	}
	if !opts.Override && !from.CanTransitionTo(to) {
		return nil, validationError("status", "cannot move from %s to %s", from, to)
	}
	if to == StatusInQueue {
		if err := CanDispatch(d); err != nil {
			return nil, err
		}
	}

	now := m.now()
	switch {
	case to == StatusFinal:
		if opts.Result != nil {
			if opts.Result.ObservationNotes != nil {
				d.ObservationNotes = opts.Result.ObservationNotes
			}
			if opts.Result.DiagnosticConclusion != nil {
				d.DiagnosticConclusion = opts.Result.DiagnosticConclusion
			}
		}
		d.FinalizedAt = &now
	case from == StatusFinal:
		// Reopened by override: the report is kept but no longer final.
		d.FinalizedAt = nil
	}
	d.Status = to
	d.UpdatedAt = now

	change := &StatusChange{
		ID:            uuid.New(),
		DetailOrderID: d.ID,
		FromStatus:    from,
		ToStatus:      to,
		ChangedBy:     opts.ChangedBy,
		ChangedAt:     now,
		Override:      opts.Override,
	}
	if r := strings.TrimSpace(opts.Reason); r != "" {
		change.Reason = &r
	}
	return change, nil
}
