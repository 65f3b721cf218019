package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testNote() Notification {
	return Notification{
		TrancheID:   "3f1c",
		TrancheName: "eth-forward",
		At:          time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Tick:        120,
		Code:        "stale_fair_value",
		Error:       "fair value is stale, refresh it",
		RateSource:  "eth-usd",
		Channels:    []string{"telegram"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "stale_fair_value") {
		t.Fatalf("text 应包含错误码: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessage(t *testing.T) {
	msg := RenderMessage(testNote())
	for _, want := range []string{"eth-forward (3f1c)", "2025-03-01T12:00:00Z", "Tick: 120", "Rate source: eth-usd"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "Payoff module") {
		t.Fatalf("未设置的字段不应输出:\n%s", msg)
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("LogNotifier 不应报错: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
