package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the package-level oarkflow/log logger.
type PhusluLogger struct {
	fields []any
}

func NewPhusluLogger(fields ...any) *PhusluLogger {
	return &PhusluLogger{fields: fields}
}

// entry is the subset of the oarkflow/log builder the adapter needs.
type entry[E any] interface {
	Str(key, val string) E
	Bool(key string, b bool) E
	Int(key string, i int) E
	Any(key string, v any) E
	Msg(msg string)
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { emit(phlog.Debug(), p.fields, msg, keyvals) }
func (p *PhusluLogger) Info(msg string, keyvals ...any)  { emit(phlog.Info(), p.fields, msg, keyvals) }
func (p *PhusluLogger) Warn(msg string, keyvals ...any)  { emit(phlog.Warn(), p.fields, msg, keyvals) }
func (p *PhusluLogger) Error(msg string, keyvals ...any) { emit(phlog.Error(), p.fields, msg, keyvals) }

func emit[E entry[E]](b E, fields []any, msg string, keyvals []any) {
	apply := func(k string, v any) {
		switch vv := v.(type) {
		case string:
			b = b.Str(k, vv)
		case bool:
			b = b.Bool(k, vv)
		case int:
			b = b.Int(k, vv)
		case error:
			b = b.Str(k, vv.Error())
		case time.Duration:
			b = b.Str(k, vv.String())
		case fmt.Stringer:
			b = b.Str(k, vv.String())
		default:
			b = b.Any(k, vv)
		}
	}
	pairs(fields, apply)
	pairs(keyvals, apply)
	b.Msg(msg)
}

func stringify(v any) string {
	return fmt.Sprint(v)
}
