// Package zerologadapter wires github.com/rs/zerolog as a concrete
// ttaklog.Logger implementation, mirroring the teacher's logiface-zerolog
// sibling package: a small struct implementing the core interface in terms
// of a real third-party structured logger.
package zerologadapter

import (
	"github.com/rs/zerolog"

	"github.com/ttaklabs/libttak/ttaklog"
)

// Adapter implements ttaklog.Logger on top of a zerolog.Logger.
type Adapter struct {
	Z zerolog.Logger
}

// New returns a ttaklog.Logger backed by z.
func New(z zerolog.Logger) *Adapter {
	return &Adapter{Z: z}
}

// IsEnabled implements ttaklog.Logger.
func (a *Adapter) IsEnabled(level ttaklog.Level) bool {
	return a.Z.GetLevel() <= toZerologLevel(level)
}

// Log implements ttaklog.Logger.
func (a *Adapter) Log(e ttaklog.Entry) {
	ev := a.Z.WithLevel(toZerologLevel(e.Level))
	ev = ev.Str("component", e.Component)
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	if !e.Timestamp.IsZero() {
		ev = ev.Time("ts", e.Timestamp)
	}
	ev.Msg(e.Message)
}

func toZerologLevel(l ttaklog.Level) zerolog.Level {
	switch l {
	case ttaklog.LevelDebug:
		return zerolog.DebugLevel
	case ttaklog.LevelInfo:
		return zerolog.InfoLevel
	case ttaklog.LevelWarn:
		return zerolog.WarnLevel
	case ttaklog.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.NoLevel
	}
}
