// Package console is the operator-facing LoggerInstance. It writes to
// stderr so command output on stdout stays machine readable.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type ConsoleLogger struct {
	logger *log.Logger
}

// ConsoleLoggerParams configures a ConsoleLogger. Level is one of debug,
// info, warn or error and wins over Debug. Format is text (default),
// logfmt or json.
type ConsoleLoggerParams struct {
	Debug  bool
	Level  string
	Format string
	Prefix string
	Writer io.Writer
}

func NewConsoleLogger(params ConsoleLoggerParams) (*ConsoleLogger, error) {
	level := log.InfoLevel
	if params.Debug {
		level = log.DebugLevel
	}
	if params.Level != "" {
		l, err := log.ParseLevel(params.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	var formatter log.Formatter
	switch strings.ToLower(params.Format) {
	case "", "text":
		formatter = log.TextFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	case "json":
		formatter = log.JSONFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", params.Format)
	}

	w := params.Writer
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleLogger{logger: log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           level,
		Prefix:          params.Prefix,
		Formatter:       formatter,
	})}, nil
}

func (c *ConsoleLogger) Log(message string, keyvals ...any) {
	c.logger.Print(message, keyvals...)
}

func (c *ConsoleLogger) Debug(message string, keyvals ...any) {
	c.logger.Log(log.DebugLevel, message, keyvals...)
}

func (c *ConsoleLogger) Info(message string, keyvals ...any) {
	c.logger.Log(log.InfoLevel, message, keyvals...)
}

func (c *ConsoleLogger) Warn(message string, keyvals ...any) {
	c.logger.Log(log.WarnLevel, message, keyvals...)
}

func (c *ConsoleLogger) Error(message string, keyvals ...any) {
	c.logger.Log(log.ErrorLevel, message, keyvals...)
}

// Fatal only logs; logger.Fatal owns the exit.
func (c *ConsoleLogger) Fatal(message string, keyvals ...any) {
	c.logger.Log(log.FatalLevel, message, keyvals...)
}
