package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAcrossChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := fmt.Errorf("invoke: %w", Wrap(CodeProviderUnavailable, cause, "gpu endpoint down"))

	if got := CodeOf(err); got != CodeProviderUnavailable {
		t.Fatalf("expected %s, got %s", CodeProviderUnavailable, got)
	}
	if !stdErrors.Is(err, New(CodeProviderUnavailable, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to stay reachable")
	}
	if !RetryableError(err) {
		t.Fatalf("provider unavailable should be retryable by default")
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeAllProvidersUnavailable, "", WithAlert(false), WithMetadata("capability", "transcribe"))
	if ShouldAlert(err) {
		t.Fatalf("expected alert override to win")
	}
	if err.Message() != "all providers unavailable" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Metadata()["capability"] != "transcribe" {
		t.Fatalf("metadata lost: %v", err.Metadata())
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if AttributesOf(Code("NOPE")).Severity != SeverityCritical {
		t.Fatalf("unregistered codes should inherit UNKNOWN attributes")
	}
}

func TestRegisterAddsCode(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityInfo, Retryable: true})
	if !New(code, "").Retryable() {
		t.Fatalf("expected registered attributes to apply")
	}
	found := false
	for _, c := range Codes() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in Codes()", code)
	}
}
