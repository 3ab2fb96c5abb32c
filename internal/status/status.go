// Package status holds the closed sets of states shared by every attendance
// component. Each set is a small integer enum whose zero value is invalid, so
// an unset field never passes for a real state. Values cross process
// boundaries (SQL, JSON, queue payloads) as their lowercase names.
package status

import (
	"database/sql/driver"
	"fmt"
)

// Status is the state of one attendance record.
type Status uint8

const (
	_ Status = iota
	Unstarted
	NotStarted
	Present
	Late
	Absent
	Leave
	LeavePending
	LeaveRejected
	PendingApproval
	Truant
)

var statusNames = [...]string{
	Unstarted:       "unstarted",
	NotStarted:      "not_started",
	Present:         "present",
	Late:            "late",
	Absent:          "absent",
	Leave:           "leave",
	LeavePending:    "leave_pending",
	LeaveRejected:   "leave_rejected",
	PendingApproval: "pending_approval",
	Truant:          "truant",
}

// All lists every valid Status in declaration order.
func All() []Status {
	out := make([]Status, 0, len(statusNames)-1)
	for s := Unstarted; s <= Truant; s++ {
		out = append(out, s)
	}
	return out
}

func (s Status) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared states.
func (s Status) Valid() bool { return s >= Unstarted && s <= Truant }

// Parse converts a stored name back to a Status.
func Parse(name string) (Status, error) {
	for i := Unstarted; i <= Truant; i++ {
		if statusNames[i] == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown attendance status %q", name)
}

// CheckedIn reports whether the state counts as attended.
func (s Status) CheckedIn() bool { return s == Present || s == Late }

// AwaitingCheckin reports whether the absence sweep may still turn the record
// into an absence. A rejected leave is treated like a record nobody acted on.
func (s Status) AwaitingCheckin() bool { return s == NotStarted || s == LeaveRejected }

// ForFutureDay narrows a status to what may be shown for a course that has
// not reached its day yet: a filed leave, or nothing.
func (s Status) ForFutureDay() Status {
	switch s {
	case Leave, LeavePending:
		return s
	default:
		return Unstarted
	}
}

// LeaveFileable reports whether a record in state s may take a new leave
// application. Attended records, photos under review and records already in
// the leave workflow may not.
func (s Status) LeaveFileable() bool {
	switch s {
	case Unstarted, NotStarted, Absent, Late, Truant:
		return true
	default:
		return false
	}
}

// ManualAllowed reports whether a teacher may set s through a manual check-in.
func (s Status) ManualAllowed() bool {
	switch s {
	case Present, Late, Absent, Truant, Leave:
		return true
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal invalid attendance status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("store invalid attendance status %d", uint8(s))
	}
	return statusNames[s], nil
}

func (s *Status) Scan(src any) error {
	name, err := scanName(src)
	if err != nil {
		return err
	}
	return s.UnmarshalText([]byte(name))
}

func scanName(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("cannot scan %T into enum", src)
	}
}
