package admin

import (
	"bufio"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devkishan/fluxgate/internal/eventstream"
	"github.com/devkishan/fluxgate/internal/model"
)

func TestStreamHandlerEmitsConnectedCommentThenEvents(t *testing.T) {
	registry := eventstream.New()
	handler := StreamHandler(registry)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/dashboard/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(w, req)
		close(done)
	}()

	// Give the handler time to register before broadcasting.
	deadline := time.Now().Add(time.Second)
	for registry.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	registry.Broadcast(model.AccessLogEvent{Path: "/a", StatusCode: 200})

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	body := w.Body.String()
	scanner := bufio.NewScanner(strings.NewReader(body))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 || lines[0] != ": connected" {
		t.Fatalf("expected connection-established comment first, got %v", lines)
	}
	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, "data:") && strings.Contains(l, `"path":"/a"`) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected broadcast event in stream, got %v", lines)
	}
}
