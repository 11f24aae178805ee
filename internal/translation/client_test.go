package translation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/translate" {
			t.Errorf("path=%s", r.URL.Path)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["source"] != "en" || req["target"] != "hi" || req["q"] != "hello" {
			t.Errorf("req=%v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{"translatedText": " नमस्ते "})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "hi", 2)
	got, err := c.Translate(context.Background(), "hello", "en-IN")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != "नमस्ते" {
		t.Fatalf("got %q", got)
	}
}

func TestTranslate_DisabledAndSameLanguage(t *testing.T) {
	var nilClient *Client
	if got, err := nilClient.Translate(context.Background(), "hello", "en"); err != nil || got != "hello" {
		t.Fatalf("nil client: %q %v", got, err)
	}
	if New("", "hi", 0).Enabled() {
		t.Fatalf("expected disabled without base url")
	}
	c := New("http://127.0.0.1:1", "en", 1)
	if got, err := c.Translate(context.Background(), "hello", "en-US"); err != nil || got != "hello" {
		t.Fatalf("same language: %q %v", got, err)
	}
}

func TestTranslate_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "fr", 2).Translate(context.Background(), "hello", ""); err == nil {
		t.Fatalf("expected error")
	}
}
