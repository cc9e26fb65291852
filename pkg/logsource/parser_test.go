package logsource

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

const validLine = `{"timestamp":"2025-06-01T10:00:00Z","sessionId":"s1","type":"assistant","message":{"id":"m1","model":"claude-sonnet-4","usage":{"input_tokens":100,"output_tokens":50,"cache_creation_input_tokens":10,"cache_read_input_tokens":200}}}`

func TestParseLine(t *testing.T) {
	t.Parallel()

	p := NewParser(logger.Noop())

	record, err := p.ParseLine(validLine)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}

	if record.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", record.SessionID)
	}
	if record.Role != "assistant" {
		t.Errorf("Role = %q, want assistant", record.Role)
	}
	if record.Message.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q, want claude-sonnet-4", record.Message.Model)
	}
	if got := record.Message.Usage.TotalTokens(); got != 360 {
		t.Errorf("TotalTokens() = %d, want 360", got)
	}
	want := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if !record.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", record.Timestamp, want)
	}
}

func TestParseLine_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{name: "empty", line: "", wantErr: ErrMalformedJSON},
		{name: "not json", line: "not json at all", wantErr: ErrMalformedJSON},
		{
			name:    "missing timestamp",
			line:    `{"sessionId":"s1","message":{"model":"claude-sonnet-4","usage":{}}}`,
			wantErr: ErrInvalidTimestamp,
		},
		{
			name:    "missing session id",
			line:    `{"timestamp":"2025-06-01T10:00:00Z","message":{"model":"claude-sonnet-4","usage":{}}}`,
			wantErr: ErrInvalidSessionID,
		},
		{
			name:    "missing model",
			line:    `{"timestamp":"2025-06-01T10:00:00Z","sessionId":"s1","message":{"usage":{}}}`,
			wantErr: ErrInvalidModel,
		},
		{
			name:    "negative tokens",
			line:    `{"timestamp":"2025-06-01T10:00:00Z","sessionId":"s1","message":{"model":"claude-sonnet-4","usage":{"input_tokens":-5}}}`,
			wantErr: ErrNegativeTokenCount,
		},
	}

	p := NewParser(logger.Noop())

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := p.ParseLine(tt.line)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseLine() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseFile_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.jsonl")
	content := validLine + "\n" +
		"garbage line\n" +
		validLine + "\n" +
		`{"timestamp":"2025-06-01T10:05:00Z"}` + "\n" +
		validLine + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	p := NewParser(logger.Noop())

	records, offset, err := p.ParseFile(path, 0)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}

	if len(records) != 3 {
		t.Errorf("len(records) = %d, want 3 (malformed lines skipped)", len(records))
	}
	if offset != int64(len(content)) {
		t.Errorf("offset = %d, want %d", offset, len(content))
	}
}

func TestParseFile_IncrementalOffset(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.jsonl")
	first := validLine + "\n"
	if err := os.WriteFile(path, []byte(first), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	p := NewParser(logger.Noop())

	records, offset, err := p.ParseFile(path, 0)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}

	// Append one more line and re-read from the returned offset.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("failed to open file: %v", err)
	}
	if _, err := f.WriteString(validLine + "\n"); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	records, _, err = p.ParseFile(path, offset)
	if err != nil {
		t.Fatalf("ParseFile() from offset error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) from offset = %d, want 1", len(records))
	}
}

func TestParseFile_NotFound(t *testing.T) {
	t.Parallel()

	p := NewParser(logger.Noop())

	if _, _, err := p.ParseFile(filepath.Join(t.TempDir(), "missing.jsonl"), 0); err == nil {
		t.Fatal("ParseFile() with missing file did not error")
	}
}
