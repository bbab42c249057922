// Package logger builds the zerolog logger used across the service and
// carries session scoped fields through contexts.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level     string
	Console   bool
	SampleN   int
	Workspace string
	Component string
}

type ctxKey string

const (
	ctxSessionKey   ctxKey = "session_id"
	ctxWorkspaceKey ctxKey = "workspace"
	ctxComponentKey ctxKey = "component"
	ctxLayerKey     ctxKey = "layer"
	ctxRequestKey   ctxKey = "request_id"
)

var ctxFields = []ctxKey{ctxSessionKey, ctxWorkspaceKey, ctxComponentKey, ctxLayerKey, ctxRequestKey}

func withValue(ctx context.Context, k ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

// WithSession tags ctx with a session id, generating one when empty.
func WithSession(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewID()
	}
	return context.WithValue(ctx, ctxSessionKey, id)
}

func WithWorkspace(ctx context.Context, ws string) context.Context {
	return withValue(ctx, ctxWorkspaceKey, ws)
}

func WithComponent(ctx context.Context, component string) context.Context {
	return withValue(ctx, ctxComponentKey, component)
}

func WithLayer(ctx context.Context, layer string) context.Context {
	return withValue(ctx, ctxLayerKey, layer)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, ctxRequestKey, id)
}

// SessionID returns the session id carried by ctx, if any.
func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(ctxSessionKey).(string)
	return s
}

func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base := zerolog.New(out).Level(parseLevel(cfg.Level))
	if cfg.SampleN > 0 {
		n := uint32(min(cfg.SampleN, math.MaxUint32))
		base = base.Sample(&zerolog.BasicSampler{N: n})
	}

	zctx := base.With().Timestamp()
	if cfg.Workspace != "" {
		zctx = zctx.Str(string(ctxWorkspaceKey), cfg.Workspace)
	}
	if cfg.Component != "" {
		zctx = zctx.Str(string(ctxComponentKey), cfg.Component)
	}
	return zctx.Logger()
}

// FromContext returns a child of parent carrying the context fields.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.Nop()
	if parent != nil {
		base = *parent
	}
	w := base.With()
	for _, k := range ctxFields {
		if s, ok := ctx.Value(k).(string); ok && s != "" {
			w = w.Str(string(k), s)
		}
	}
	l := w.Logger()
	return &l
}
