package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// matches ANSI escape codes (colors, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

type LogKind string

const (
	LogKindData    LogKind = "data"
	LogKindControl LogKind = "control"
)

type LogLine struct {
	Kind   LogKind   `json:"kind"`
	Time   time.Time `json:"time"`
	Step   string    `json:"step,omitempty"`
	Stream string    `json:"stream,omitempty"`
	Data   string    `json:"data"`
}

// Logger writes a stage's output as JSON lines.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	masks   []string
}

func LogFilePath(runDir, runID string, id ID) string {
	return filepath.Join(runDir, runID, fmt.Sprintf("%s.log", id))
}

func NewLogger(runDir, runID string, id ID, masks ...string) (*Logger, error) {
	path := LogFilePath(runDir, runID, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	var ms []string
	for _, m := range masks {
		if m != "" {
			ms = append(ms, m)
		}
	}

	return &Logger{
		file:    file,
		encoder: json.NewEncoder(file),
		masks:   ms,
	}, nil
}

func (l *Logger) Path() string {
	return l.file.Name()
}

func (l *Logger) Close() error {
	return l.file.Close()
}

// DataWriter returns the writer for one output stream of a step. Close it
// once the process has exited.
func (l *Logger) DataWriter(step, stream string) io.WriteCloser {
	return &dataWriter{logger: l, step: step, stream: stream}
}

// Control records a step boundary or a runner message.
func (l *Logger) Control(step, format string, args ...any) {
	_ = l.encode(LogLine{
		Kind: LogKindControl,
		Step: step,
		Data: fmt.Sprintf(format, args...),
	})
}

func (l *Logger) encode(line LogLine) error {
	line.Time = time.Now().UTC()
	line.Data = l.mask(ansiRe.ReplaceAllString(line.Data, ""))

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(line)
}

func (l *Logger) maxMaskLen() int {
	n := 0
	for _, m := range l.masks {
		n = max(n, len(m))
	}
	return n
}

func (l *Logger) mask(s string) string {
	for _, m := range l.masks {
		s = strings.ReplaceAll(s, m, "***")
	}
	return s
}

// maxLineLen caps how much output is held back waiting for a newline.
const maxLineLen = 64 * 1024

// dataWriter turns a process stream into log lines. Partial lines are held
// until their newline arrives or the writer is closed, so a secret split
// across two reads is still masked.
type dataWriter struct {
	logger *Logger
	step   string
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *dataWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}

	if len(w.buf) > maxLineLen {
		// mask what is buffered, then keep back a tail too short to hold a
		// whole secret; any secret cut by the split starts inside the tail
		masked := []byte(w.logger.mask(string(w.buf)))
		cut := max(len(masked)-max(w.logger.maxMaskLen()-1, 0), 0)
		head := string(masked[:cut])
		w.buf = append(w.buf[:0], masked[cut:]...)
		if err := w.emit(head); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing line that had no newline.
func (w *dataWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return nil
	}
	line := string(w.buf)
	w.buf = nil
	return w.emit(line)
}

func (w *dataWriter) emit(line string) error {
	return w.logger.encode(LogLine{
		Kind:   LogKindData,
		Step:   w.step,
		Stream: w.stream,
		Data:   strings.TrimRight(line, "\r"),
	})
}

// ReadLog decodes a stage log file.
func ReadLog(r io.Reader) ([]LogLine, error) {
	var lines []LogLine
	dec := json.NewDecoder(r)
	for dec.More() {
		var l LogLine
		if err := dec.Decode(&l); err != nil {
			return lines, err
		}
		lines = append(lines, l)
	}
	return lines, nil
}
