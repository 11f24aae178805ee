package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client translates reply text through a LibreTranslate-compatible endpoint.
// A nil Client, or one without a base URL or target, returns text unchanged.
type Client struct {
	base   string
	target string
	http   *http.Client
}

func New(base, target string, timeoutSec int) *Client {
	if timeoutSec <= 0 {
		timeoutSec = 8
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		target: strings.TrimSpace(target),
		http:   &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.base != "" && c.target != ""
}

// Translate returns text in the configured target language. source may be a
// BCP-47 tag ("en-IN"); an empty source means auto-detect.
func (c *Client) Translate(ctx context.Context, text, source string) (string, error) {
	if !c.Enabled() || strings.TrimSpace(text) == "" {
		return text, nil
	}

	src, _, _ := strings.Cut(strings.TrimSpace(source), "-")
	if src == "" {
		src = "auto"
	}
	if strings.EqualFold(src, c.target) {
		return text, nil
	}

	b, _ := json.Marshal(map[string]any{
		"q":      text,
		"source": strings.ToLower(src),
		"target": c.target,
		"format": "text",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/translate", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("translation http %d for target %s: %s", resp.StatusCode, c.target, strings.TrimSpace(string(body)))
	}

	var lr struct {
		TranslatedText string `json:"translatedText"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("decode translation: %w", err)
	}
	out := strings.TrimSpace(lr.TranslatedText)
	if out == "" {
		return text, nil
	}
	return out, nil
}
