package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RunLogger captures per-stage output under baseDir/<runID>/<stage>.log
// as json lines, one file per stage. The file path doubles as the
// StageResult's LogRef.
type RunLogger struct {
	baseDir string
}

type LogLine struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

func NewRunLogger(baseDir string) *RunLogger {
	return &RunLogger{baseDir: baseDir}
}

func (l *RunLogger) StageWriter(runID, stage string) (*StageLog, string, error) {
	dir := filepath.Join(l.baseDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("creating log dir: %w", err)
	}

	path := StageLogPath(l.baseDir, runID, stage)
	file, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("creating log file: %w", err)
	}

	return &StageLog{file: file, encoder: json.NewEncoder(file)}, path, nil
}

func StageLogPath(baseDir, runID, stage string) string {
	return filepath.Join(baseDir, runID, stage+".log")
}

type StageLog struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func (s *StageLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *StageLog) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(LogLine{Stream: "output", Data: line}); err != nil {
		return 0, err
	}
	return len(p), nil
}
