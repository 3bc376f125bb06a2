package script

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
)

func shell(t *testing.T, body string, caps ...string) *Bridge {
	t.Helper()
	b, err := NewBridge(Config{Name: "sh", Executable: "sh", Args: []string{"-c", body}, Capabilities: caps})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b
}

func TestInvokeParsesOutput(t *testing.T) {
	b := shell(t, `grep -q '"capability":"analyze_intent"' && echo '{"text":"hello","confidence":0.5,"attributes":{"intent":"unknown"}}'`)
	out, err := b.Invoke(context.Background(), capability.Request{
		Capability: capability.AnalyzeIntent,
		Payload:    capability.Payload{Text: "hi"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Text != "hello" || out.Confidence != 0.5 || out.Attributes["intent"] != "unknown" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestInvokeErrors(t *testing.T) {
	failing := shell(t, `echo boom >&2; exit 3`)
	if _, err := failing.Invoke(context.Background(), capability.Request{Capability: capability.Transcribe}); xerrors.CodeOf(err) != xerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	garbage := shell(t, `echo not-json`)
	if _, err := garbage.Invoke(context.Background(), capability.Request{Capability: capability.Transcribe}); xerrors.CodeOf(err) != xerrors.CodeProviderMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
	reported := shell(t, `echo '{"error":"model not loaded"}'`)
	if _, err := reported.Invoke(context.Background(), capability.Request{Capability: capability.Transcribe}); xerrors.CodeOf(err) != xerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	limited := shell(t, `echo '{}'`, "synthesize")
	if _, err := limited.Invoke(context.Background(), capability.Request{Capability: capability.Transcribe}); xerrors.CodeOf(err) != xerrors.CodeUnsupportedOperation {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestInvokeHonoursContext(t *testing.T) {
	b := shell(t, `sleep 5`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Invoke(ctx, capability.Request{Capability: capability.Transcribe}); xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestNewBridgeValidation(t *testing.T) {
	if _, err := NewBridge(Config{}); err == nil {
		t.Fatalf("expected error without script")
	}
	if _, err := NewBridge(Config{Script: "x.py", Capabilities: []string{"fly"}}); err == nil {
		t.Fatalf("expected error for unknown capability")
	}
	if got := ResolveScriptPath("/srv", "brain.py"); got != filepath.Join("/srv", "brain.py") {
		t.Fatalf("unexpected path %s", got)
	}
}
