package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reglet-dev/reglet-graph/telemetry"
)

// LogRecord is one guest log line, attributed to the component and call.
type LogRecord struct {
	Time        time.Time
	ComponentID string
	Node        string
	RequestID   string
	Message     string
	Attrs       []slog.Attr
	Level       slog.Level
}

// LogSink receives guest log records. Emit must not block; it reports
// false when the record was dropped.
type LogSink interface {
	Emit(rec LogRecord) bool
}

// SlogSink writes records straight to a slog.Logger.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit implements LogSink.
func (s SlogSink) Emit(rec LogRecord) bool {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]slog.Attr, 0, len(rec.Attrs)+3)
	attrs = append(attrs, slog.String("component", rec.ComponentID))
	if rec.Node != "" {
		attrs = append(attrs, slog.String("node", rec.Node))
	}
	if rec.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", rec.RequestID))
	}
	attrs = append(attrs, rec.Attrs...)
	logger.LogAttrs(context.Background(), rec.Level, rec.Message, attrs...)
	return true
}

// AsyncSink buffers records for a slower sink and drops them when the
// buffer is full.
type AsyncSink struct {
	next    LogSink
	metrics *telemetry.Metrics
	records chan LogRecord
	done    chan struct{}
	dropped atomic.Uint64
	mu      sync.RWMutex
	closed  bool
}

// NewAsyncSink starts a goroutine forwarding records to next.
func NewAsyncSink(next LogSink, buffer int, metrics *telemetry.Metrics) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		next:    next,
		metrics: metrics,
		records: make(chan LogRecord, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.records {
		s.next.Emit(rec)
	}
}

// Emit implements LogSink.
func (s *AsyncSink) Emit(rec LogRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.closed {
		select {
		case s.records <- rec:
			return true
		default:
		}
	}
	s.dropped.Add(1)
	s.metrics.GuestLogDropped()
	return false
}

// Dropped returns the number of records discarded so far.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close flushes buffered records and stops the forwarding goroutine.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.records)
	}
	s.mu.Unlock()
	<-s.done
}

// guestLogMessage is the document passed to the log_message host function.
type guestLogMessage struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   []guestLogAttr `json:"attrs,omitempty"`
}

type guestLogAttr struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func decodeLogRecord(ctx context.Context, componentID string, payload []byte) (LogRecord, error) {
	var msg guestLogMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return LogRecord{}, fmt.Errorf("unmarshal log message: %w", err)
	}
	rec := LogRecord{
		Time:        time.Now(),
		ComponentID: componentID,
		Message:     msg.Message,
		Level:       parseLogLevel(msg.Level),
		Attrs:       make([]slog.Attr, 0, len(msg.Attrs)),
	}
	if cc, ok := CallContextFrom(ctx); ok {
		rec.Node = cc.Node
		rec.RequestID = cc.RequestID
	}
	for _, attr := range msg.Attrs {
		rec.Attrs = append(rec.Attrs, convertAttr(attr))
	}
	return rec, nil
}

func parseLogLevel(levelStr string) slog.Level {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func convertAttr(attr guestLogAttr) slog.Attr {
	switch attr.Type {
	case "string":
		return slog.String(attr.Key, attr.Value)
	case "int64":
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return slog.Int64(attr.Key, v)
		}
	case "bool":
		if v, err := strconv.ParseBool(attr.Value); err == nil {
			return slog.Bool(attr.Key, v)
		}
	case "float64":
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return slog.Float64(attr.Key, v)
		}
	case "time":
		if v, err := time.Parse(time.RFC3339Nano, attr.Value); err == nil {
			return slog.Time(attr.Key, v)
		}
	case "error":
		return slog.Any(attr.Key, fmt.Errorf("%s", attr.Value))
	}
	return slog.String(attr.Key, attr.Value)
}
