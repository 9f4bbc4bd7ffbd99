package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	sugar := zapLogger.Sugar()
	return &Logger{SugaredLogger: sugar}, nil
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	newSugared := l.SugaredLogger.With(sanitizeKVs(keysAndValues)...)
	return &Logger{SugaredLogger: newSugared}
}

var (
	truncateOnce    sync.Once
	truncateEnabled bool
)

// Customer sequences are licensed material; log lines carry a short prefix
// and the length instead of the full chain unless LOG_SEQUENCES_FULL is set.
func sanitizeKVs(kv []interface{}) []interface{} {
	if len(kv) == 0 || !truncationOn() {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := strings.TrimSpace(strings.ToLower(toString(kv[i])))
		out = append(out, toString(kv[i]), sanitizeValue(key, kv[i+1]))
	}
	return out
}

func sanitizeValue(key string, val interface{}) interface{} {
	if !isSequenceKey(key) {
		return val
	}
	s, ok := val.(string)
	if !ok {
		return val
	}
	return truncateSequence(s)
}

func isSequenceKey(key string) bool {
	switch {
	case strings.Contains(key, "sequence"),
		strings.Contains(key, "antibody"),
		strings.Contains(key, "antigen"),
		strings.Contains(key, "chain"),
		strings.Contains(key, "variant_seq"):
		return true
	default:
		return false
	}
}

func truncateSequence(s string) string {
	const keep = 12
	if len(s) <= keep {
		return s
	}
	return fmt.Sprintf("%s…(len=%d)", s[:keep], len(s))
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func truncationOn() bool {
	truncateOnce.Do(func() {
		val := strings.TrimSpace(strings.ToLower(os.Getenv("LOG_SEQUENCES_FULL")))
		switch val {
		case "1", "true", "yes", "on":
			truncateEnabled = false
		default:
			truncateEnabled = true
		}
	})
	return truncateEnabled
}
