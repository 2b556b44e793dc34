package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogKind string

var (
	// step output
	LogKindData LogKind = "data"
	// step start and end markers
	LogKindControl LogKind = "control"
)

type LogLine struct {
	Kind    LogKind   `json:"kind"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
	StepId  int       `json:"step_id"`

	// fields if kind is "data"
	Stream string `json:"stream,omitempty"`

	// fields if kind is "control"
	StepStatus StepStatus `json:"step_status,omitempty"`
	StepKind   string     `json:"step_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, name, kind string, status StepStatus, err error) LogLine {
	l := LogLine{
		Kind:       LogKindControl,
		Time:       time.Now(),
		Content:    name,
		StepId:     idx,
		StepStatus: status,
		StepKind:   kind,
	}
	if err != nil {
		l.Error = err.Error()
	}
	return l
}

// RunLogger writes the output of a run as JSON lines, one file per run.
// Writers handed out by a single logger may be used from several goroutines.
type RunLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewRunLogger(baseDir string, rid RunId) (*RunLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, rid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &RunLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, rid RunId) string {
	logFilePath := filepath.Join(baseDir, fmt.Sprintf("%s.log", rid.String()))
	return logFilePath
}

func (l *RunLogger) Close() error {
	return l.file.Close()
}

func (l *RunLogger) encode(line LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(line)
}

func (l *RunLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

func (l *RunLogger) StepStart(idx int, name, kind string) error {
	return l.encode(NewControlLogLine(idx, name, kind, StepStatusStart, nil))
}

func (l *RunLogger) StepEnd(idx int, name, kind string, stepErr error) error {
	return l.encode(NewControlLogLine(idx, name, kind, StepStatusEnd, stepErr))
}

type dataWriter struct {
	logger *RunLogger
	idx    int
	stream string
}

// Write emits one log line per line of p.
func (w *dataWriter) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\r\n")
	for _, line := range strings.Split(text, "\n") {
		entry := NewDataLogLine(w.idx, strings.TrimRight(line, "\r"), w.stream)
		if err := w.logger.encode(entry); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
