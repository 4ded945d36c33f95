package pulse

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use one of the adapters below.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns a slog text logger writing to stdout.
func defaultLogger() Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// LogLevel is the severity attached to a LogMessage.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogVerbose
)

func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogInfo:
		return "info"
	case LogVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// LogMessage is what a SubscriberLogger hands to its subscriber.
type LogMessage struct {
	Message string
	Level   LogLevel
}

// SubscriberLogger returns a Logger that formats each entry into a single
// line and passes it to fn.
func SubscriberLogger(fn func(LogMessage)) Logger {
	return subscriberLogger{fn: fn}
}

type subscriberLogger struct {
	fn func(LogMessage)
}

func (l subscriberLogger) Debug(msg string, args ...any) { l.emit(LogVerbose, msg, args) }
func (l subscriberLogger) Info(msg string, args ...any)  { l.emit(LogInfo, msg, args) }
func (l subscriberLogger) Warn(msg string, args ...any)  { l.emit(LogWarn, msg, args) }
func (l subscriberLogger) Error(msg string, args ...any) { l.emit(LogError, msg, args) }

func (l subscriberLogger) emit(level LogLevel, msg string, args []any) {
	if l.fn == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	l.fn(LogMessage{Message: b.String(), Level: level})
}

// ZerologLogger adapts a zerolog.Logger. Args are alternating key-value pairs.
func ZerologLogger(logger zerolog.Logger) Logger {
	return zerologLogger{l: logger}
}

type zerologLogger struct {
	l zerolog.Logger
}

func (z zerologLogger) Debug(msg string, args ...any) { z.l.Debug().Fields(args).Msg(msg) }
func (z zerologLogger) Info(msg string, args ...any)  { z.l.Info().Fields(args).Msg(msg) }
func (z zerologLogger) Warn(msg string, args ...any)  { z.l.Warn().Fields(args).Msg(msg) }
func (z zerologLogger) Error(msg string, args ...any) { z.l.Error().Fields(args).Msg(msg) }
