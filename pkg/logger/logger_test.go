package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Sync()

	ctx := WithSessionID(context.Background(), "sess-1")
	FromContext(ctx).Debug("step appended")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"session_id":"sess-1"`) || !strings.Contains(line, `"msg":"step appended"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestAuditFallsBackToApplicationLogger(t *testing.T) {
	if err := Init(Config{Format: "text", OutputPaths: []string{"stderr"}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if Audit() != L() {
		t.Fatalf("expected audit logger to fall back to application logger")
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestSessionIDFromEmptyContext(t *testing.T) {
	if SessionIDFrom(context.Background()) != "" {
		t.Fatalf("expected empty session id")
	}
}
