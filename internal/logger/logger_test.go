package logger

import "testing"

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		log, err := New("debug", format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		_ = log.Sync()
	}
	if _, err := New("loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
}
