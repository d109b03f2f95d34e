package sidecar

import (
	"context"
	"log/slog"
	"strings"
)

// Sink receives worker output lines of one stream.
// WriteLine is called from the drain goroutine only, one line at a time.
type Sink interface {
	WriteLine(line []byte)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(line []byte)

// WriteLine calls f(line).
func (f SinkFunc) WriteLine(line []byte) { f(line) }

// DiscardSink drops every line.
var DiscardSink Sink = SinkFunc(func([]byte) {})

// LogSink writes each line to a structured logger at a fixed level,
// tagged with the stream it came from.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
	stream string
}

// NewLogSink creates a LogSink. Invalid UTF-8 in lines is replaced with
// U+FFFD before logging.
func NewLogSink(logger *slog.Logger, level slog.Level, stream string) *LogSink {
	return &LogSink{logger: logger, level: level, stream: stream}
}

// WriteLine logs line.
func (s *LogSink) WriteLine(line []byte) {
	s.logger.Log(context.Background(), s.level, "worker output",
		slog.String("stream", s.stream),
		slog.String("line", strings.ToValidUTF8(string(line), "\uFFFD")),
	)
}
