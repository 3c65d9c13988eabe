package litecomics

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_SplitsByLevel(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	logger, closer := NewLogger(LoggerOptions{Stdout: &stdout, Stderr: &stderr})
	defer func() { _ = closer.Close() }()

	logger.Debug("hidden")
	logger.Info("hello", "k", "v")
	logger.Error("broken")

	if strings.Contains(stdout.String(), "hidden") {
		t.Fatal("debug record written without Debug option")
	}
	var rec map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rec); err != nil {
		t.Fatalf("stdout is not a single JSON record: %v (%q)", err, stdout.String())
	}
	if rec["msg"] != "hello" || rec["k"] != "v" {
		t.Fatalf("stdout record = %v", rec)
	}
	if !strings.Contains(stderr.String(), `"msg":"broken"`) {
		t.Fatalf("stderr = %q, want the error record", stderr.String())
	}
	if strings.Contains(stdout.String(), "broken") {
		t.Fatal("error record written to stdout")
	}
}

func TestNewLogger_DebugAndFile(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	file := filepath.Join(t.TempDir(), "litecomics.log")
	logger, closer := NewLogger(LoggerOptions{
		Debug:     true,
		File:      file,
		MaxSizeMB: 1,
		Stdout:    &stdout,
		Stderr:    discardWriter{},
	})

	logger.With("component", "test").Debug("details")
	logger.Error("failure")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.Contains(stdout.String(), `"msg":"details"`) {
		t.Fatalf("stdout = %q, want debug record", stdout.String())
	}
	//nolint:gosec // G304: test-owned path
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"component":"test"`) || !strings.Contains(got, `"msg":"failure"`) {
		t.Fatalf("log file = %q, want both records", got)
	}
}
