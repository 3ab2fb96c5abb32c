package status

import (
	"encoding/json"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	for _, s := range All() {
		got, err := Parse(s.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("Parse(%q) = %v", s, got)
		}
	}
	if len(All()) != 10 {
		t.Errorf("expected 10 states, got %d", len(All()))
	}
}

func TestParseUnknown(t *testing.T) {
	if _, err := Parse("excused"); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := Parse(""); err == nil {
		t.Error("expected error for empty status")
	}
}

func TestZeroValueInvalid(t *testing.T) {
	var s Status
	if s.Valid() {
		t.Error("zero status must be invalid")
	}
	if _, err := s.Value(); err == nil {
		t.Error("storing zero status must fail")
	}
	if _, err := json.Marshal(s); err == nil {
		t.Error("marshalling zero status must fail")
	}
}

func TestForFutureDay(t *testing.T) {
	cases := map[Status]Status{
		Leave:           Leave,
		LeavePending:    LeavePending,
		Unstarted:       Unstarted,
		Present:         Unstarted,
		Absent:          Unstarted,
		NotStarted:      Unstarted,
		PendingApproval: Unstarted,
		LeaveRejected:   Unstarted,
		Truant:          Unstarted,
		Late:            Unstarted,
	}
	for in, want := range cases {
		if got := in.ForFutureDay(); got != want {
			t.Errorf("%v.ForFutureDay() = %v, want %v", in, got, want)
		}
	}
}

func TestJSONUsesNames(t *testing.T) {
	b, err := json.Marshal(struct {
		S Status `json:"s"`
		R Source `json:"r"`
	}{PendingApproval, SourcePhoto})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"s":"pending_approval","r":"photo"}` {
		t.Errorf("unexpected json %s", b)
	}

	var back struct {
		S Status `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"leave_rejected"}`), &back); err != nil {
		t.Fatal(err)
	}
	if back.S != LeaveRejected {
		t.Errorf("got %v", back.S)
	}
}

func TestScan(t *testing.T) {
	var s Status
	if err := s.Scan([]byte("truant")); err != nil || s != Truant {
		t.Errorf("Scan bytes: %v %v", s, err)
	}
	var l LeaveStatus
	if err := l.Scan("withdrawn"); err != nil || l != LeaveStatusWithdrawn {
		t.Errorf("Scan leave: %v %v", l, err)
	}
	if err := s.Scan(42); err == nil {
		t.Error("expected scan error for int")
	}
}

func TestLeaveRecordStatus(t *testing.T) {
	if s, ok := LeaveStatusApproved.RecordStatus(); !ok || s != Leave {
		t.Errorf("approved -> %v %v", s, ok)
	}
	if s, ok := LeaveStatusRejected.RecordStatus(); !ok || s != LeaveRejected {
		t.Errorf("rejected -> %v %v", s, ok)
	}
	if _, ok := LeaveStatusWithdrawn.RecordStatus(); ok {
		t.Error("withdrawn must not impose a record status")
	}
}

func TestRoleParse(t *testing.T) {
	if r, err := ParseRole("teacher"); err != nil || r != RoleTeacher {
		t.Errorf("teacher: %v %v", r, err)
	}
	if _, err := ParseRole("device"); err == nil {
		t.Error("device is not a role")
	}
}
