package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/logging"
)

func TestNewWritesJSONEntries(t *testing.T) {
	var output bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "info", Format: logging.FormatJSON, Output: &output})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("sync complete", zap.String("run_id", "run-1"))
	_ = logger.Sync()

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one entry, got %d: %q", len(lines), output.String())
	}
	var entry map[string]any
	if decodeErr := json.Unmarshal([]byte(lines[0]), &entry); decodeErr != nil {
		t.Fatalf("decode entry: %v", decodeErr)
	}
	if entry["message"] != "sync complete" || entry["run_id"] != "run-1" || entry["level"] != "info" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewCopiesEntriesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "blocksync.log")
	var output bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "debug", Format: logging.FormatConsole, File: logPath, Output: &output})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}

	logger.Debug("page fetched")
	_ = logger.Sync()

	contents, readErr := os.ReadFile(logPath)
	if readErr != nil {
		t.Fatalf("read log file: %v", readErr)
	}
	if !strings.Contains(string(contents), "page fetched") || !strings.Contains(string(contents), "DEBUG") {
		t.Fatalf("unexpected file contents %q", contents)
	}
	if !strings.Contains(output.String(), "page fetched") {
		t.Fatalf("expected console copy, got %q", output.String())
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name          string
		configuration logging.Config
		expectedErr   error
	}{
		{name: "unknown format", configuration: logging.Config{Format: "xml"}, expectedErr: logging.ErrUnknownFormat},
		{name: "unknown level", configuration: logging.Config{Level: "loud"}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			_, err := logging.New(testCase.configuration)
			if err == nil {
				t.Fatalf("expected error")
			}
			if testCase.expectedErr != nil && !errors.Is(err, testCase.expectedErr) {
				t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
		})
	}
}
