package contract

import (
	"fmt"
	"strings"

	"agencyflow/apperr"
)

type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusReview        Status = "REVIEW"
	StatusPending       Status = "PENDING"
	StatusSignedOffline Status = "SIGNED_OFFLINE"
	StatusSigned        Status = "SIGNED"
	StatusConfirmed     Status = "CONFIRMED"
	StatusActive        Status = "ACTIVE"
	StatusExpired       Status = "EXPIRED"
	StatusTerminated    Status = "TERMINATED"
)

var allStatuses = []Status{
	StatusDraft, StatusReview, StatusPending, StatusSignedOffline, StatusSigned,
	StatusConfirmed, StatusActive, StatusExpired, StatusTerminated,
}

// ParseStatus normalises a client supplied status name.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range allStatuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated
}

// Operation names an edge (or edge family) of the lifecycle graph.
type Operation string

const (
	OpSubmitReview   Operation = "submit_review"
	OpResumeReview   Operation = "resume_review"
	OpSignOffline    Operation = "sign_offline"
	OpSignElectronic Operation = "sign_electronic"
	OpConfirm        Operation = "confirm"
	OpActivate       Operation = "activate"
	OpTerminate      Operation = "terminate"
	OpExpire         Operation = "expire"
	OpDelete         Operation = "delete"
)

// Transition lists the states an operation may start from and where it lands.
// An empty To means the row is removed. Automatic edges are taken by the
// system only and never offered to callers.
type Transition struct {
	From         []Status
	To           Status
	NeedsPayload bool
	Automatic    bool
}

// transitions is the single source of truth for the lifecycle.
var transitions = map[Operation]Transition{
	OpSubmitReview:   {From: []Status{StatusDraft}, To: StatusReview},
	OpResumeReview:   {From: []Status{StatusPending}, To: StatusReview},
	OpSignOffline:    {From: []Status{StatusReview}, To: StatusSignedOffline, NeedsPayload: true},
	OpSignElectronic: {From: []Status{StatusReview}, To: StatusSigned, NeedsPayload: true},
	OpConfirm:        {From: []Status{StatusSigned, StatusSignedOffline}, To: StatusConfirmed},
	OpActivate:       {From: []Status{StatusConfirmed}, To: StatusActive},
	OpTerminate:      {From: []Status{StatusActive}, To: StatusTerminated},
	OpExpire:         {From: []Status{StatusActive, StatusConfirmed}, To: StatusExpired, Automatic: true},
	OpDelete:         {From: []Status{StatusDraft, StatusReview, StatusPending, StatusSigned, StatusSignedOffline}},
}

// TransitionError reports an operation that is not legal from the current state.
type TransitionError struct {
	Op     Operation
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("contract: %s not allowed from %s", e.Op, e.From)
	if e.To != "" {
		msg = fmt.Sprintf("contract: %s not allowed from %s to %s", e.Op, e.From, e.To)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == apperr.ErrInvalidTransition
}

// Next resolves the target state of op when applied from current.
func Next(op Operation, current Status) (Status, error) {
	t, ok := transitions[op]
	if !ok {
		return "", &TransitionError{Op: op, From: current, Reason: "unknown operation"}
	}
	for _, from := range t.From {
		if from == current {
			return t.To, nil
		}
	}
	return "", &TransitionError{Op: op, From: current, To: t.To}
}

// OperationFor finds the payload-free operation that moves current to next.
func OperationFor(current, next Status) (Operation, error) {
	for op, t := range transitions {
		if t.To != next || t.NeedsPayload || t.Automatic || t.To == "" {
			continue
		}
		for _, from := range t.From {
			if from == current {
				return op, nil
			}
		}
	}
	reason := "no such edge"
	for _, t := range transitions {
		if t.To != next {
			continue
		}
		if t.Automatic {
			reason = "target is reached automatically"
			break
		}
		if t.NeedsPayload {
			reason = "target requires a dedicated operation"
			break
		}
	}
	return "", &TransitionError{Op: "change_status", From: current, To: next, Reason: reason}
}

// Allowed lists the operations legal from s, for clients rendering actions.
func Allowed(s Status) []Operation {
	var ops []Operation
	for _, op := range operationOrder {
		if transitions[op].Automatic {
			continue
		}
		for _, from := range transitions[op].From {
			if from == s {
				ops = append(ops, op)
				break
			}
		}
	}
	return ops
}

var operationOrder = []Operation{
	OpSubmitReview, OpResumeReview, OpSignOffline, OpSignElectronic,
	OpConfirm, OpActivate, OpTerminate, OpDelete,
}
