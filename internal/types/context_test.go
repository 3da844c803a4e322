package types

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestWithUserID_GetUserID(t *testing.T) {
	ctx := WithUserID(context.Background(), "user-123")
	got, ok := GetUserID(ctx)
	if !ok || got != "user-123" {
		t.Errorf("GetUserID() = (%q, %v), want (user-123, true)", got, ok)
	}

	if _, ok := GetUserID(context.Background()); ok {
		t.Error("GetUserID() on empty context should return ok=false")
	}

	if _, ok := GetUserID(WithUserID(context.Background(), "")); ok {
		t.Error("GetUserID() with empty id should return ok=false")
	}
}

func TestWithRequestID_GetRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc")
	if got := GetRequestID(ctx); got != "req-abc" {
		t.Errorf("GetRequestID() = %q, want req-abc", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	scoped := slog.New(slog.NewTextHandler(&buf, nil))
	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("returns stored logger", func(t *testing.T) {
		ctx := WithLogger(context.Background(), scoped)
		if got := LoggerFromContext(ctx, fallback); got != scoped {
			t.Error("expected the request-scoped logger")
		}
	})

	t.Run("falls back when missing", func(t *testing.T) {
		if got := LoggerFromContext(context.Background(), fallback); got != fallback {
			t.Error("expected the fallback logger")
		}
	})

	t.Run("defaults when no fallback", func(t *testing.T) {
		if got := LoggerFromContext(context.Background(), nil); got == nil {
			t.Error("expected slog.Default, got nil")
		}
	})
}
