package logx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/irondome/sentinel/internal/logx"
)

func TestCritical_AboveError(t *testing.T) {
	if logx.LevelCritical <= slog.LevelError {
		t.Fatalf("LevelCritical = %v, want greater than slog.LevelError (%v)", logx.LevelCritical, slog.LevelError)
	}
}

func TestCritical_RendersAsCriticalInJSON(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		ReplaceAttr: logx.ReplaceAttr,
	})
	logger := slog.New(handler)

	logx.Critical(context.Background(), logger, "cryptographic activity detected", "path", "/home/alice/report.docx")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if record["level"] != "CRITICAL" {
		t.Fatalf("level = %v, want CRITICAL", record["level"])
	}
	if record["path"] != "/home/alice/report.docx" {
		t.Fatalf("path = %v, want /home/alice/report.docx", record["path"])
	}
}
