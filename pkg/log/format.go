package log

import (
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	obj := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		obj[k] = v
	}
	obj["level"] = entry.Level.String()
	obj["msg"] = entry.Message
	obj["ts"] = entry.Timestamp.UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders entries as "ts LEVEL msg k=v ..." lines for terminals.
type TextFormatter struct{}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000"))
	sb.WriteByte(' ')
	sb.WriteString(entry.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Fields[k])
	}
	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

// ConsoleOutput writes entries to stderr.
type ConsoleOutput struct {
	mu sync.Mutex
}

// NewConsoleOutput creates a console output.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{} }

// Write implements Output.
func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := os.Stderr.Write(formatted)
	return err
}

// Close implements Output.
func (o *ConsoleOutput) Close() error { return nil }

// RedirectStdLog routes standard-library log output (used by Pebble and
// net/http) through the provided logger at info level.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdWriter{logger: logger})
}

type stdWriter struct{ logger Logger }

func (w stdWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), F("source", "stdlog"))
	return len(p), nil
}
