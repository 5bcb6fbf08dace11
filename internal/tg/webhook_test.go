package tg

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingProcessor struct {
	updates []Update
}

func (p *recordingProcessor) HandleUpdate(ctx context.Context, update Update) {
	p.updates = append(p.updates, update)
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewWebhookHandler(slog.Default(), nil, "secret", processor)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"update_id":1}`))
	req.Header.Set(secretTokenHeader, "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(processor.updates) != 0 {
		t.Fatal("update must not reach the processor")
	}
}

func TestWebhookDispatchesUpdate(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewWebhookHandler(slog.Default(), nil, "secret", processor)

	body := `{"update_id":7,"message":{"message_id":1,"chat":{"id":42,"type":"private"},"text":"/start","from":{"id":42}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(secretTokenHeader, "secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(processor.updates) != 1 {
		t.Fatalf("expected one dispatched update, got %d", len(processor.updates))
	}
	if processor.updates[0].Message == nil || processor.updates[0].Message.Text != "/start" {
		t.Fatalf("unexpected update: %+v", processor.updates[0])
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	processor := &recordingProcessor{}
	handler := NewWebhookHandler(slog.Default(), nil, "", processor)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	handler := NewWebhookHandler(slog.Default(), nil, "", &recordingProcessor{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
