package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(Config{LogFormat: LogFormatJSON, LogLevel: slog.LevelInfo}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	log.Info("hello", "endpoint_id", "ep-1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "hello" || record["endpoint_id"] != "ep-1" {
		t.Fatalf("record: %v", record)
	}
}

func TestNewLogger_TextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(Config{LogFormat: LogFormatText, LogLevel: slog.LevelWarn}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	log.Info("suppressed")
	log.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("info record emitted at warn level:\n%s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn record missing:\n%s", out)
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	if _, err := newLogger(Config{LogFormat: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("unknown format accepted")
	}
}
