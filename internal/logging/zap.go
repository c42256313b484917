// zap.go implements ZapLogger, a Logger backed by go.uber.org/zap.
package logging

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a *zap.Logger to Logger. The leading "[component] "
// prefix of a message is moved into a "component" field.
type ZapLogger struct {
	z            *zap.Logger
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewZapLogger wraps z. Fatalf logs at error level with fatal=true instead of
// calling zap's Fatal, so the process keeps running.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	return &ZapLogger{z: z.WithOptions(zap.AddCallerSkip(2))}
}

// ZapLevel maps a Level to the zap level.
func ZapLevel(l Level) zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *ZapLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

func splitComponent(msg string) (string, string) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg
	}
	end := strings.Index(msg, "] ")
	if end < 0 {
		return "", msg
	}
	return msg[1:end], msg[end+2:]
}

func (l *ZapLogger) log(level zapcore.Level, format string, args []any, extra ...zap.Field) string {
	msg := fmt.Sprintf(format, args...)
	ce := l.z.Check(level, "")
	if ce == nil {
		return msg
	}
	component, text := splitComponent(msg)
	ce.Message = text
	if component != "" {
		extra = append(extra, zap.String("component", component))
	}
	ce.Write(extra...)
	return msg
}

func (l *ZapLogger) Errorf(format string, args ...any) { l.log(zapcore.ErrorLevel, format, args) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.log(zapcore.WarnLevel, format, args) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.log(zapcore.InfoLevel, format, args) }
func (l *ZapLogger) Debugf(format string, args ...any) { l.log(zapcore.DebugLevel, format, args) }

func (l *ZapLogger) Fatalf(format string, args ...any) {
	msg := l.log(zapcore.ErrorLevel, format, args, zap.Bool("fatal", true))
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}
