// Package obslog is the keyval structured-logging idiom used across
// the pipeline: log.Write(ctx, "key", val, ...) and log.Error(ctx, err).
// It is backed by logrus rather than a bespoke writer.
package obslog

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Well-known keys, e.g. KeyError paired with Error's err.Error().
const (
	KeyError = "error"
	KeyStack = "stack"
)

type ctxKey int

const fieldsKey ctxKey = 0

// base is the process-wide logger. Tests may swap its output.
var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.JSONFormatter{})
}

// WithFields returns a context carrying additional fields that every
// subsequent Write/Error call against it will include, e.g. a request
// ID attached once at the edge of a request.
func WithFields(ctx context.Context, keyvals ...interface{}) context.Context {
	fields := cloneFields(fieldsFromContext(ctx))
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[k] = keyvals[i+1]
	}
	return context.WithValue(ctx, fieldsKey, fields)
}

func cloneFields(f logrus.Fields) logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func fieldsFromContext(ctx context.Context) logrus.Fields {
	if ctx == nil {
		return logrus.Fields{}
	}
	if f, ok := ctx.Value(fieldsKey).(logrus.Fields); ok {
		return f
	}
	return logrus.Fields{}
}

// Write logs an info-level structured event built from alternating
// key, value pairs plus any fields attached to ctx.
func Write(ctx context.Context, keyvals ...interface{}) {
	entry := base.WithFields(fieldsFromContext(ctx))
	fields := logrus.Fields{}
	var msg string
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		if k == "status" || k == "msg" {
			if s, ok := keyvals[i+1].(string); ok {
				msg = s
			}
		}
		fields[k] = keyvals[i+1]
	}
	entry.WithFields(fields).Info(msg)
}

// Error logs err at error level, with KeyError set.
func Error(ctx context.Context, err error, keyvals ...interface{}) {
	entry := base.WithFields(fieldsFromContext(ctx))
	fields := logrus.Fields{KeyError: err.Error()}
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[k] = keyvals[i+1]
	}
	entry.WithFields(fields).Error(err.Error())
}

// SetLevel adjusts the base logger's verbosity from a logrus level name
// such as "debug" or "warn"; an unrecognised name leaves it unchanged.
func SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		base.SetLevel(lvl)
	}
}
