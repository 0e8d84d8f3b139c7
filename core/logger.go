package core

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// JSONLogger writes one JSON object per line. It is safe for concurrent
// use by multiple goroutines.
type JSONLogger struct {
	mu      sync.Mutex
	out     io.Writer
	service string
	level   LogLevel
}

// NewJSONLogger creates a logger writing to stdout for the named service.
func NewJSONLogger(service string) *JSONLogger {
	return &JSONLogger{out: os.Stdout, service: service, level: LogLevelInfo}
}

// NewJSONLoggerWithWriter creates a logger writing to w.
func NewJSONLoggerWithWriter(service string, w io.Writer) *JSONLogger {
	return &JSONLogger{out: w, service: service, level: LogLevelInfo}
}

// SetLevel sets the minimum level emitted.
func (l *JSONLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

var levelRank = map[LogLevel]int{
	LogLevelDebug:   0,
	LogLevelInfo:    1,
	LogLevelWarning: 2,
	LogLevelError:   3,
}

func (l *JSONLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[level] < levelRank[l.level] {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.out.Write(append(data, '\n'))
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogLevelWarning, msg, fields)
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, fields)
}

// BusLogger decorates a Logger, additionally broadcasting each entry on
// the log bus as a LogEvent. Bus failures are swallowed; local logging
// always happens first.
type BusLogger struct {
	base     Logger
	bus      LogBus
	service  string
	instance string
}

// NewBusLogger wraps base so entries are also published to bus.
func NewBusLogger(base Logger, bus LogBus, service, instance string) *BusLogger {
	if base == nil {
		base = &NoOpLogger{}
	}
	if bus == nil {
		bus = &NoOpLogBus{}
	}
	return &BusLogger{base: base, bus: bus, service: service, instance: instance}
}

func (b *BusLogger) emit(level LogLevel, msg string, fields map[string]interface{}) {
	event := &LogEvent{
		Timestamp:       time.Now().UTC(),
		ServiceName:     b.service,
		ServiceInstance: b.instance,
		Level:           level,
		Message:         msg,
	}
	if fields != nil {
		if id, ok := fields["task_id"].(string); ok {
			event.TaskID = id
		}
		if ev, ok := fields["event"].(string); ok {
			event.Event = ev
		}
		event.Context = fields
	}
	b.bus.PublishLog(event)
}

func (b *BusLogger) Info(msg string, fields map[string]interface{}) {
	b.base.Info(msg, fields)
	b.emit(LogLevelInfo, msg, fields)
}

func (b *BusLogger) Error(msg string, fields map[string]interface{}) {
	b.base.Error(msg, fields)
	b.emit(LogLevelError, msg, fields)
}

func (b *BusLogger) Warn(msg string, fields map[string]interface{}) {
	b.base.Warn(msg, fields)
	b.emit(LogLevelWarning, msg, fields)
}

func (b *BusLogger) Debug(msg string, fields map[string]interface{}) {
	b.base.Debug(msg, fields)
	b.emit(LogLevelDebug, msg, fields)
}
