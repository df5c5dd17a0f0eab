package logging

import "testing"

func TestNew_Levels(t *testing.T) {
	t.Parallel()

	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		if _, err := New(level); err != nil {
			t.Errorf("New(%q) returned error: %v", level, err)
		}
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("loud"); err == nil {
		t.Error("New should reject an unknown level")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()

	log := Nop()
	if log == nil {
		t.Fatal("Nop returned nil")
	}
	log.Info("discarded")
}
