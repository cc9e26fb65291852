package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "defaults", config: Config{}},
		{name: "debug level", config: Config{Level: "debug"}},
		{name: "json format", config: Config{Format: "json"}},
		{name: "stdout output", config: Config{Output: "stdout"}},
		{name: "discard output", config: Config{Output: "discard"}},
		{name: "unknown level falls back", config: Config{Level: "verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if log := New(tt.config); log == nil {
				t.Error("New() returned nil")
			}
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sentinel.log")
	log := New(Config{Level: "info", Output: path, Format: "json"})

	log.Info("hello", "answer", 42)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var record map[string]interface{}
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if record["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", record["msg"])
	}
	if record["answer"] != float64(42) {
		t.Errorf("answer = %v, want 42", record["answer"])
	}
}

func TestWith(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "with.log")
	log := New(Config{Output: path, Format: "json"})

	child := log.With("component", "ingest")
	child.Info("buffer flushed")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var record map[string]interface{}
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if record["component"] != "ingest" {
		t.Errorf("component = %v, want ingest", record["component"])
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()

	log := Noop()
	// Must not panic regardless of level or fields.
	log.Debug("debug")
	log.Info("info", "k", "v")
	log.Warn("warn")
	log.Error("error", "err", os.ErrNotExist)
}
