// Package providers implements the LLM runtime driver over provider
// HTTP APIs. Two wire dialects are supported: the Anthropic messages
// endpoint and OpenAI-compatible chat completions; both stream via SSE
// and observe context cancellation on every read.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chozzz/vargos/internal/agent"
	"github.com/chozzz/vargos/internal/store"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	openaiDefaultBase    = "https://api.openai.com/v1"
	defaultMaxTokens     = 8192
)

// HTTPRuntime drives one provider turn per Run call.
type HTTPRuntime struct {
	client *http.Client
	tracer RunTracer
}

// RunTracer observes completed runs; nil disables tracing.
type RunTracer interface {
	TraceRun(ctx context.Context, sessionKey, provider, model string, start time.Time, tokens int, err error)
}

// NewHTTPRuntime creates a runtime whose HTTP client sets no timeout of
// its own. The overall request lifetime is bounded by the run context.
func NewHTTPRuntime(tracer RunTracer) *HTTPRuntime {
	return &HTTPRuntime{
		client: &http.Client{Timeout: 0},
		tracer: tracer,
	}
}

// Run executes one turn, streaming assistant deltas through cb.
func (r *HTTPRuntime) Run(ctx context.Context, in agent.RunInput, cb agent.RunCallbacks) (agent.RunResult, error) {
	start := time.Now()
	var result agent.RunResult
	var err error

	switch in.Provider {
	case "anthropic", "":
		result, err = r.runAnthropic(ctx, in, cb)
	default:
		// Everything else speaks the OpenAI-compatible dialect.
		result, err = r.runOpenAI(ctx, in, cb)
	}

	if r.tracer != nil {
		r.tracer.TraceRun(ctx, in.SessionKey, in.Provider, in.Model, start, result.Tokens, err)
	}
	return result, err
}

// --- Anthropic messages API ---

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (r *HTTPRuntime) runAnthropic(ctx context.Context, in agent.RunInput, cb agent.RunCallbacks) (agent.RunResult, error) {
	base := in.BaseURL
	if base == "" {
		base = anthropicDefaultBase
	}

	body := map[string]any{
		"model":      in.Model,
		"max_tokens": defaultMaxTokens,
		"stream":     true,
		"messages":   anthropicMessages(in),
	}
	if in.SystemPrompt != "" {
		body["system"] = in.SystemPrompt
	}

	respBody, err := r.post(ctx, base+"/v1/messages", body, func(req *http.Request) {
		req.Header.Set("x-api-key", in.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	})
	if err != nil {
		return agent.RunResult{}, err
	}
	defer respBody.Close()

	var full strings.Builder
	var tokens int
	var currentEvent string

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return agent.RunResult{}, ctx.Err()
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "content_block_delta":
			var ev struct {
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				full.WriteString(ev.Delta.Text)
				if cb.OnAssistantDelta != nil {
					cb.OnAssistantDelta(ev.Delta.Text, false)
				}
			}
		case "message_delta":
			var ev struct {
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Usage.OutputTokens > 0 {
				tokens = ev.Usage.OutputTokens
			}
		case "error":
			var ev struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			json.Unmarshal([]byte(data), &ev)
			return agent.RunResult{Error: ev.Error.Message}, fmt.Errorf("provider error: %s", ev.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return agent.RunResult{}, ctx.Err()
		}
		return agent.RunResult{}, fmt.Errorf("stream read: %w", err)
	}

	if cb.OnAssistantDelta != nil {
		cb.OnAssistantDelta("", true)
	}
	return agent.RunResult{Success: true, Response: full.String(), Tokens: tokens}, nil
}

func anthropicMessages(in agent.RunInput) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(in.PriorMessages)+1)
	for _, m := range in.PriorMessages {
		role := m.Role
		if role == store.RoleSystem {
			// System entries in the transcript fold into user turns; the
			// real system prompt travels separately.
			role = store.RoleUser
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, anthropicMessage{Role: store.RoleUser, Content: in.Message})
	return sanitizeAlternation(msgs)
}

// sanitizeAlternation merges consecutive same-role turns; the messages
// API rejects user-user or assistant-assistant adjacency.
func sanitizeAlternation(msgs []anthropicMessage) []anthropicMessage {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// --- OpenAI-compatible chat completions ---

func (r *HTTPRuntime) runOpenAI(ctx context.Context, in agent.RunInput, cb agent.RunCallbacks) (agent.RunResult, error) {
	base := in.BaseURL
	if base == "" {
		base = openaiDefaultBase
	}

	msgs := make([]map[string]string, 0, len(in.PriorMessages)+2)
	if in.SystemPrompt != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": in.SystemPrompt})
	}
	for _, m := range in.PriorMessages {
		msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
	}
	msgs = append(msgs, map[string]string{"role": store.RoleUser, "content": in.Message})

	body := map[string]any{
		"model":    in.Model,
		"stream":   true,
		"messages": msgs,
		"stream_options": map[string]bool{"include_usage": true},
	}

	respBody, err := r.post(ctx, base+"/chat/completions", body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+in.APIKey)
	})
	if err != nil {
		return agent.RunResult{}, err
	}
	defer respBody.Close()

	var full strings.Builder
	var tokens int

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return agent.RunResult{}, ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if json.Unmarshal([]byte(data), &ev) != nil {
			continue
		}
		if ev.Usage != nil {
			tokens = ev.Usage.CompletionTokens
		}
		if len(ev.Choices) > 0 && ev.Choices[0].Delta.Content != "" {
			full.WriteString(ev.Choices[0].Delta.Content)
			if cb.OnAssistantDelta != nil {
				cb.OnAssistantDelta(ev.Choices[0].Delta.Content, false)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return agent.RunResult{}, ctx.Err()
		}
		return agent.RunResult{}, fmt.Errorf("stream read: %w", err)
	}

	if cb.OnAssistantDelta != nil {
		cb.OnAssistantDelta("", true)
	}
	return agent.RunResult{Success: true, Response: full.String(), Tokens: tokens}, nil
}

// post sends the request and returns the response body on 2xx. The
// connection phase is retried once on transient failure; once the
// stream starts there is no retry.
func (r *HTTPRuntime) post(ctx context.Context, url string, body any, decorate func(*http.Request)) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			slog.Debug("provider request retry", "url", url, "attempt", attempt)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		decorate(req)

		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.Body, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		// Retry only on throttling and server-side failure.
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
