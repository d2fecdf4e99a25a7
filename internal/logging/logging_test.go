package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("mediagraph")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("branch attached", "layer", 3)

	out := buf.String()
	if strings.Contains(out, `msg="INFO branch attached`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=\"branch attached\"") {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=mediagraph") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "layer=3") {
		t.Fatalf("expected layer field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("mediagraph")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithOperationAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := WithOperation(L("recording"), "op-123", 7)
	logger.Info("capture started")

	out := buf.String()
	if !strings.Contains(out, "operation=op-123") {
		t.Fatalf("expected operation field, got: %s", out)
	}
	if !strings.Contains(out, "layer=7") {
		t.Fatalf("expected layer field, got: %s", out)
	}
}
