package status

import (
	"database/sql/driver"
	"fmt"
)

// enum is the shared name table behind the smaller closed sets below.
type enum []string

func (e enum) name(v uint8, kind string) string {
	if v > 0 && int(v) < len(e) {
		return e[v]
	}
	return fmt.Sprintf("%s(%d)", kind, v)
}

func (e enum) parse(name, kind string) (uint8, error) {
	for i := 1; i < len(e); i++ {
		if e[i] == name {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, name)
}

func (e enum) valid(v uint8) bool { return v > 0 && int(v) < len(e) }

// Source tags how a record came to exist.
type Source uint8

const (
	_ Source = iota
	SourceRegular
	SourceWindow
	SourcePhoto
	SourceManual
)

var sourceNames = enum{"", "regular", "window", "photo", "manual"}

func (s Source) String() string { return sourceNames.name(uint8(s), "source") }
func (s Source) Valid() bool    { return sourceNames.valid(uint8(s)) }

func ParseSource(name string) (Source, error) {
	v, err := sourceNames.parse(name, "record source")
	return Source(v), err
}

func (s Source) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal invalid record source %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	*s = v
	return err
}

func (s Source) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("store invalid record source %d", uint8(s))
	}
	return s.String(), nil
}

func (s *Source) Scan(src any) error {
	name, err := scanName(src)
	if err != nil {
		return err
	}
	return s.UnmarshalText([]byte(name))
}

// LeaveStatus is the lifecycle state of a leave application.
type LeaveStatus uint8

const (
	_ LeaveStatus = iota
	LeaveStatusPending
	LeaveStatusApproved
	LeaveStatusRejected
	LeaveStatusWithdrawn
)

// Leave application states share their stored names with the record states
// they mirror.
var leaveNames = enum{"", "leave_pending", "leave", "leave_rejected", "withdrawn"}

func (s LeaveStatus) String() string { return leaveNames.name(uint8(s), "leave") }
func (s LeaveStatus) Valid() bool    { return leaveNames.valid(uint8(s)) }

func ParseLeaveStatus(name string) (LeaveStatus, error) {
	v, err := leaveNames.parse(name, "leave status")
	return LeaveStatus(v), err
}

// RecordStatus is the attendance state a decided application imposes on its
// record. Withdrawn and pending applications impose nothing.
func (s LeaveStatus) RecordStatus() (Status, bool) {
	switch s {
	case LeaveStatusApproved:
		return Leave, true
	case LeaveStatusRejected:
		return LeaveRejected, true
	case LeaveStatusPending:
		return LeavePending, true
	default:
		return 0, false
	}
}

func (s LeaveStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal invalid leave status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *LeaveStatus) UnmarshalText(b []byte) error {
	v, err := ParseLeaveStatus(string(b))
	*s = v
	return err
}

func (s LeaveStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("store invalid leave status %d", uint8(s))
	}
	return s.String(), nil
}

func (s *LeaveStatus) Scan(src any) error {
	name, err := scanName(src)
	if err != nil {
		return err
	}
	return s.UnmarshalText([]byte(name))
}

// ApprovalResult is the decision recorded on one leave approval step.
type ApprovalResult uint8

const (
	_ ApprovalResult = iota
	ApprovalPending
	ApprovalApproved
	ApprovalRejected
)

var approvalNames = enum{"", "pending", "approved", "rejected"}

func (r ApprovalResult) String() string { return approvalNames.name(uint8(r), "approval") }
func (r ApprovalResult) Valid() bool    { return approvalNames.valid(uint8(r)) }

func ParseApprovalResult(name string) (ApprovalResult, error) {
	v, err := approvalNames.parse(name, "approval result")
	return ApprovalResult(v), err
}

func (r ApprovalResult) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("marshal invalid approval result %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *ApprovalResult) UnmarshalText(b []byte) error {
	v, err := ParseApprovalResult(string(b))
	*r = v
	return err
}

func (r ApprovalResult) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("store invalid approval result %d", uint8(r))
	}
	return r.String(), nil
}

func (r *ApprovalResult) Scan(src any) error {
	name, err := scanName(src)
	if err != nil {
		return err
	}
	return r.UnmarshalText([]byte(name))
}

// WindowStatus is derived from the clock; it is never stored.
type WindowStatus uint8

const (
	_ WindowStatus = iota
	WindowOpen
	WindowExpired
)

var windowNames = enum{"", "open", "expired"}

func (w WindowStatus) String() string { return windowNames.name(uint8(w), "window") }

func (w WindowStatus) MarshalText() ([]byte, error) {
	if !windowNames.valid(uint8(w)) {
		return nil, fmt.Errorf("marshal invalid window status %d", uint8(w))
	}
	return []byte(w.String()), nil
}

// Role is the kind of caller acting on the service.
type Role uint8

const (
	_ Role = iota
	RoleStudent
	RoleTeacher
)

var roleNames = enum{"", "student", "teacher"}

func (r Role) String() string { return roleNames.name(uint8(r), "role") }
func (r Role) Valid() bool    { return roleNames.valid(uint8(r)) }

func ParseRole(name string) (Role, error) {
	v, err := roleNames.parse(name, "role")
	return Role(v), err
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("marshal invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// Category places a course session relative to today's calendar date.
type Category uint8

const (
	_ Category = iota
	Past
	Current
	Future
)

var categoryNames = enum{"", "past", "current", "future"}

func (c Category) String() string { return categoryNames.name(uint8(c), "category") }

func (c Category) MarshalText() ([]byte, error) {
	if !categoryNames.valid(uint8(c)) {
		return nil, fmt.Errorf("marshal invalid category %d", uint8(c))
	}
	return []byte(c.String()), nil
}
