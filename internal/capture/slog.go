package capture

import (
	"context"
	"encoding/hex"
	"log/slog"
)

// Logger mirrors events to a slog.Logger at debug level.
type Logger struct {
	l *slog.Logger
}

func NewLogger(l *slog.Logger) *Logger { return &Logger{l: l} }

func (a *Logger) Record(e Event) {
	attrs := []slog.Attr{
		slog.String("session", e.Session),
		slog.String("kind", e.Kind.String()),
	}
	if e.Direction != Local {
		attrs = append(attrs, slog.String("dir", e.Direction.String()))
	}
	if e.Address != "" {
		attrs = append(attrs, slog.String("address", e.Address))
	}
	switch e.Kind {
	case KindFrame:
		attrs = append(attrs,
			slog.String("envelope", e.Envelope),
			slog.Int("action", int(e.Action)),
			slog.Int("wire_len", len(e.Wire)),
		)
		if len(e.Plain) > 0 {
			attrs = append(attrs, slog.String("plain", hex.EncodeToString(e.Plain)))
		}
	case KindState:
		attrs = append(attrs, slog.String("from", e.From), slog.String("to", e.To))
	}
	if e.Err != "" {
		attrs = append(attrs, slog.String("error", e.Err))
	}
	a.l.LogAttrs(context.Background(), slog.LevelDebug, "[CAPTURE]", attrs...)
}

var _ Recorder = (*Logger)(nil)
