package embedoc

import (
	"encoding/hex"
	"log/slog"
	"runtime/debug"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// safeCall invokes fn, recovering and logging any panic instead of letting
// it unwind into the caller's dispatch loop. Used when delivering to
// observer/listener callbacks (change, mutation, saved) so one misbehaving
// listener can't stop the rest from being notified or crash the Save/inBatch
// call that triggered the dispatch.
func safeCall(logger *slog.Logger, what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("listener panicked", "what", what, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
