package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// turn is one conversation entry in the shape both backends accept
type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completer produces the assistant's next turn
type completer interface {
	Complete(ctx context.Context, turns []turn) (string, error)
}

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// postJSON sends body to url and decodes the JSON reply into out
func postJSON(ctx context.Context, url string, header http.Header, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response (%s): %w", resp.Status, err)
	}
	return nil
}

type ollama struct {
	baseURL string
	model   string
	system  string
}

func (o *ollama) Complete(ctx context.Context, turns []turn) (string, error) {
	if o.system != "" {
		turns = append([]turn{{Role: "system", Content: o.system}}, turns...)
	}
	var out struct {
		Message turn   `json:"message"`
		Error   string `json:"error,omitempty"`
	}
	err := postJSON(ctx, o.baseURL+"/api/chat", nil, map[string]any{
		"model":    o.model,
		"messages": turns,
		"stream":   false,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, nil
}

type anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	system    string
}

func (a *anthropic) Complete(ctx context.Context, turns []turn) (string, error) {
	header := http.Header{}
	header.Set("x-api-key", a.apiKey)
	header.Set("anthropic-version", "2023-06-01")

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}
	err := postJSON(ctx, "https://api.anthropic.com/v1/messages", header, map[string]any{
		"model":      a.model,
		"max_tokens": a.maxTokens,
		"system":     a.system,
		"messages":   turns,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("API error: %s", out.Error.Message)
	}
	if len(out.Content) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return out.Content[0].Text, nil
}
