package tether

import (
	"errors"
	"fmt"
	"testing"
)

func TestRunState_Terminal(t *testing.T) {
	terminal := map[RunState]bool{
		StateQueued:       false,
		StateRunning:      false,
		StateSucceeded:    true,
		StateFailed:       true,
		StateCancelled:    true,
		RunState("weird"): false,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, expected %v", s, got, want)
		}
	}
}

func TestAPIError_Transient(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{404, false},
		{200, false},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.code}
		if got := e.Transient(); got != tt.want {
			t.Fatalf("status %d: Transient() = %v, expected %v", tt.code, got, tt.want)
		}
	}
}

func TestTransient(t *testing.T) {
	if !Transient(&APIError{StatusCode: 502}) {
		t.Fatal("bare transient APIError not recognized")
	}
	wrapped := fmt.Errorf("context: %w", &APIError{StatusCode: 503})
	if !Transient(wrapped) {
		t.Fatal("wrapped transient APIError not recognized")
	}
	if Transient(errors.New("plain")) {
		t.Fatal("plain error classified transient")
	}
	if Transient(nil) {
		t.Fatal("nil error classified transient")
	}
}

func TestExecutionError_Message(t *testing.T) {
	e := &ExecutionError{Detail: "out of memory"}
	if msg := e.Error(); msg == "" {
		t.Fatal("empty error message")
	}
}
