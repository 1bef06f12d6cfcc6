package modbus

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel is the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // disables logging
)

var levelNames = map[LogLevel]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelNone:    "NONE",
}

// SimpleLogger is a leveled io.WriteCloser. The engine and transports log
// by writing lines prefixed "DEBUG:", "INFO:", "WARNING:" or "ERROR:";
// the logger infers the level from that prefix and filters accordingly.
type SimpleLogger struct {
	mu     sync.Mutex
	level  LogLevel
	output io.WriteCloser
	prefix string
}

// NewSimpleLogger creates a logger writing to output (os.Stdout when nil)
// with messages below level suppressed.
func NewSimpleLogger(output io.WriteCloser, level LogLevel, prefix string) *SimpleLogger {
	if output == nil {
		output = os.Stdout
	}
	return &SimpleLogger{level: level, output: output, prefix: prefix}
}

// SetLevel changes the filter level.
func (l *SimpleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetLevelFromString sets the level from its name, e.g. "DEBUG".
func (l *SimpleLogger) SetLevelFromString(name string) error {
	for level, n := range levelNames {
		if n == strings.ToUpper(name) {
			l.SetLevel(level)
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s", name)
}

// Write implements io.Writer. The message's level is inferred from its
// prefix; unprefixed messages log at INFO.
func (l *SimpleLogger) Write(p []byte) (int, error) {
	message := string(p)
	level := inferLevel(message)

	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level || l.level == LevelNone {
		return len(p), nil
	}
	line := fmt.Sprintf("%s [%s] <%s> %s\n",
		time.Now().Format(time.RFC3339), levelNames[level], l.prefix,
		strings.TrimSpace(stripLevelPrefix(message)))
	return l.output.Write([]byte(line))
}

// Close closes the underlying output unless it is os.Stdout.
func (l *SimpleLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output != os.Stdout {
		return l.output.Close()
	}
	return nil
}

func inferLevel(message string) LogLevel {
	upper := strings.ToUpper(message)
	switch {
	case strings.HasPrefix(upper, "DEBUG:"):
		return LevelDebug
	case strings.HasPrefix(upper, "WARNING:"), strings.HasPrefix(upper, "WARN:"):
		return LevelWarning
	case strings.HasPrefix(upper, "ERROR:"):
		return LevelError
	default:
		return LevelInfo
	}
}

func stripLevelPrefix(message string) string {
	for _, prefix := range []string{"DEBUG:", "INFO:", "WARNING:", "WARN:", "ERROR:"} {
		if strings.HasPrefix(strings.ToUpper(message), prefix) {
			return message[len(prefix):]
		}
	}
	return message
}
