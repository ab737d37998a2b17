package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kas-network/kas-pool/internal/config"
)

func TestPostDiscord(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(204)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL}, "Test Pool")
	if err := n.postDiscord("hello miners"); err != nil {
		t.Fatalf("postDiscord: %v", err)
	}
	if received["content"] != "hello miners" {
		t.Errorf("content = %q", received["content"])
	}
}

func TestPostDiscordServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL}, "Test Pool")
	if err := n.postDiscord("x"); err == nil {
		t.Error("5xx should be reported as an error")
	}
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: false, DiscordURL: server.URL}, "Test Pool")
	n.BlockFound("hash", "finder")
	n.BlockOrphaned("hash")
	n.PayoutSent("tx", 1, 100)

	if called {
		t.Error("disabled notifier must not post")
	}
}

func TestMessageFormat(t *testing.T) {
	done := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		json.Unmarshal(body, &payload)
		done <- payload["content"]
		w.WriteHeader(204)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL}, "Test Pool")
	n.BlockFound("abc123", "kaspa:qrfndr")

	content := <-done
	if !strings.Contains(content, "Test Pool") || !strings.Contains(content, "abc123") {
		t.Errorf("notification content = %q", content)
	}
}
