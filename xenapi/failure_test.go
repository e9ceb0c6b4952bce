package xenapi

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsFailureCode(t *testing.T) {
	err := &Failure{Details: []string{CodeDeviceDetachRejected, "VBD", "OpaqueRef:x"}}
	if !IsFailureCode(err, CodeDeviceDetachRejected) {
		t.Error("direct failure not matched")
	}
	wrapped := fmt.Errorf("unplug: %w", err)
	if !IsFailureCode(wrapped, CodeDeviceDetachRejected) {
		t.Error("wrapped failure not matched")
	}
	if IsFailureCode(wrapped, CodeDeviceAlreadyDetached) {
		t.Error("matched wrong code")
	}
	if IsFailureCode(errors.New("plain"), CodeDeviceDetachRejected) {
		t.Error("matched non-failure error")
	}
}

func TestFailureCodeEmpty(t *testing.T) {
	if code := (&Failure{}).Code(); code != "" {
		t.Errorf("Code() = %q, want empty", code)
	}
}

func TestAsFailure(t *testing.T) {
	f := &Failure{Details: []string{"SR_BACKEND_FAILURE"}}
	if got := AsFailure(fmt.Errorf("scan: %w", f)); got != f {
		t.Errorf("AsFailure = %v, want original failure", got)
	}
	if got := AsFailure(errors.New("plain")); got != nil {
		t.Errorf("AsFailure of plain error = %v, want nil", got)
	}
}
