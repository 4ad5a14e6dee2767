package hub

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/slot"
)

const previewLen = 120

// LogPayload logs a clipboard payload at INFO (slot, format, size) and, for
// text at DEBUG, a preview of up to 120 bytes.
func LogPayload(log *slog.Logger, event string, id slot.ID, kind format.Tag, data []byte) {
	log.Info(event, "slot", id, "format", kind, "bytes", len(data))

	if !kind.IsText() || !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	log.Debug("payload preview", "slot", id, "preview", preview(data))
}

func preview(data []byte) string {
	if len(data) <= previewLen {
		return string(data)
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "…"
}
