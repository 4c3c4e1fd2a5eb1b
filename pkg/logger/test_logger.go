package logger

import (
	"sync"

	"github.com/rs/zerolog"
)

// TestLogger captures log messages for assertions instead of writing them
// anywhere.
type TestLogger struct {
	mu       sync.Mutex
	messages []LogMessage
	fields   map[string]interface{}
	zerolog  *zerolog.Logger
}

// LogMessage is one captured log call.
type LogMessage struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// NewTestLogger creates a TestLogger.
func NewTestLogger() *TestLogger {
	nop := zerolog.Nop()
	return &TestLogger{zerolog: &nop}
}

func (l *TestLogger) Debug(msg string) { l.log("DEBUG", msg, nil) }
func (l *TestLogger) Info(msg string)  { l.log("INFO", msg, nil) }
func (l *TestLogger) Warn(msg string)  { l.log("WARN", msg, nil) }
func (l *TestLogger) Error(msg string) { l.log("ERROR", msg, nil) }

func (l *TestLogger) DebugWithFields(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *TestLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *TestLogger) WarnWithFields(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *TestLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *TestLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *TestLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	// The scope shares the parent's message slice through the mutex-guarded
	// append in log.
	return &testLoggerScope{parent: l, fields: merged}
}

func (l *TestLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *TestLogger) GetZerolog() *zerolog.Logger {
	return l.zerolog
}

func (l *TestLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.messages = append(l.messages, LogMessage{Level: level, Message: msg, Fields: merged})
}

// Messages returns a copy of all captured messages.
func (l *TestLogger) Messages() []LogMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// HasMessage reports whether a message with the given text was logged.
func (l *TestLogger) HasMessage(text string) bool {
	for _, m := range l.Messages() {
		if m.Message == text {
			return true
		}
	}
	return false
}

// testLoggerScope is a TestLogger view carrying bound fields.
type testLoggerScope struct {
	parent *TestLogger
	fields map[string]interface{}
}

func (s *testLoggerScope) Debug(msg string) { s.parent.log("DEBUG", msg, s.fields) }
func (s *testLoggerScope) Info(msg string)  { s.parent.log("INFO", msg, s.fields) }
func (s *testLoggerScope) Warn(msg string)  { s.parent.log("WARN", msg, s.fields) }
func (s *testLoggerScope) Error(msg string) { s.parent.log("ERROR", msg, s.fields) }

func (s *testLoggerScope) DebugWithFields(msg string, fields map[string]interface{}) {
	s.parent.log("DEBUG", msg, s.merge(fields))
}

func (s *testLoggerScope) InfoWithFields(msg string, fields map[string]interface{}) {
	s.parent.log("INFO", msg, s.merge(fields))
}

func (s *testLoggerScope) WarnWithFields(msg string, fields map[string]interface{}) {
	s.parent.log("WARN", msg, s.merge(fields))
}

func (s *testLoggerScope) ErrorWithFields(msg string, fields map[string]interface{}) {
	s.parent.log("ERROR", msg, s.merge(fields))
}

func (s *testLoggerScope) WithField(key string, value interface{}) Logger {
	return s.WithFields(map[string]interface{}{key: value})
}

func (s *testLoggerScope) WithFields(fields map[string]interface{}) Logger {
	return &testLoggerScope{parent: s.parent, fields: s.merge(fields)}
}

func (s *testLoggerScope) WithError(err error) Logger {
	if err == nil {
		return s
	}
	return s.WithField("error", err.Error())
}

func (s *testLoggerScope) GetZerolog() *zerolog.Logger {
	return s.parent.zerolog
}

func (s *testLoggerScope) merge(fields map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(s.fields)+len(fields))
	for k, v := range s.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
