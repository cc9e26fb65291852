package logsource

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

const (
	// maxFileSize is the default maximum JSONL file size (100MB).
	maxFileSize = 100 * 1024 * 1024

	// maxLineLength is the maximum allowed line length (1MB).
	maxLineLength = 1024 * 1024
)

// jsonlParser implements the Parser interface.
type jsonlParser struct {
	logger logger.Logger
}

// NewParser creates a new JSONL record parser.
//
// Parameters:
//   - log: Logger used to warn about skipped lines
//
// Returns a configured Parser.
func NewParser(log logger.Logger) Parser {
	return &jsonlParser{logger: log}
}

// ParseFile implements Parser.ParseFile.
func (p *jsonlParser) ParseFile(path string, offset int64) ([]Record, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.Size() > maxFileSize {
		return nil, 0, fmt.Errorf("%w: size=%d, max=%d",
			ErrFileTooLarge, info.Size(), maxFileSize)
	}

	// #nosec G304: path comes from the watched log directories
	f, err := os.Open(path) // nolint:gosec
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			p.logger.Warn("failed to close log file",
				"path", path,
				"error", closeErr)
		}
	}()

	if offset > 0 {
		if _, seekErr := f.Seek(offset, io.SeekStart); seekErr != nil {
			return nil, 0, fmt.Errorf("failed to seek to offset %d: %w", offset, seekErr)
		}
	}

	records := make([]Record, 0, 100)
	scanner := bufio.NewScanner(f)

	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineLength)

	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		record, parseErr := p.ParseLine(line)
		if parseErr != nil {
			// Recoverable: skip the line, keep the stream alive.
			p.logger.Warn("skipping malformed log line",
				"path", path,
				"line", lineNum,
				"error", parseErr)
			continue
		}

		records = append(records, *record)
	}

	if scanErr := scanner.Err(); scanErr != nil {
		return records, 0, fmt.Errorf("scanner error at line %d: %w", lineNum, scanErr)
	}

	newOffset, seekErr := f.Seek(0, io.SeekCurrent)
	if seekErr != nil {
		// If we can't get the offset, fall back to the file size.
		newOffset = info.Size()
	}

	return records, newOffset, nil
}

// ParseLine implements Parser.ParseLine.
func (p *jsonlParser) ParseLine(line string) (*Record, error) {
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedJSON)
	}

	var record Record
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &record, nil
}
