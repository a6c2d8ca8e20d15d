// Package logger holds the structured logging contract used by the engine
// and a few adapters for common backends.
package logger

// Logger accepts alternating key/value pairs after the message.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// pairs walks keyvals two at a time. A trailing odd key is reported with a nil value.
func pairs(keyvals []any, fn func(key string, val any)) {
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			k = stringify(keyvals[i])
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fn(k, v)
	}
}
