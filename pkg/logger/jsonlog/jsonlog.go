// Package jsonlog is a LoggerInstance that writes structured JSON lines
// through zap. It is used for log files shipped to aggregation.
package jsonlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type JSONLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

type JSONLoggerParams struct {
	// Path is the output file. Empty means stdout.
	Path  string
	Debug bool
	// Fields are attached to every line, e.g. the service name.
	Fields map[string]string
}

func NewJSONLogger(params JSONLoggerParams) (*JSONLogger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if params.Debug {
		level = zapcore.DebugLevel
	}

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if params.Path != "" {
		f, err := os.OpenFile(params.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	base := zap.New(core)
	for k, v := range params.Fields {
		base = base.With(zap.String(k, v))
	}
	return newFromZap(base), nil
}

func newFromZap(base *zap.Logger) *JSONLogger {
	return &JSONLogger{base: base, sugar: base.Sugar()}
}

func (j *JSONLogger) Log(message string, keyvals ...any) {
	j.sugar.Infow(message, keyvals...)
}

func (j *JSONLogger) Debug(message string, keyvals ...any) {
	j.sugar.Debugw(message, keyvals...)
}

func (j *JSONLogger) Info(message string, keyvals ...any) {
	j.sugar.Infow(message, keyvals...)
}

func (j *JSONLogger) Warn(message string, keyvals ...any) {
	j.sugar.Warnw(message, keyvals...)
}

func (j *JSONLogger) Error(message string, keyvals ...any) {
	j.sugar.Errorw(message, keyvals...)
}

func (j *JSONLogger) Fatal(message string, keyvals ...any) {
	j.sugar.Fatalw(message, keyvals...)
}

func (j *JSONLogger) Sync() error {
	return j.base.Sync()
}
