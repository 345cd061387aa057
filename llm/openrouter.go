package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tomasmach/cai/config"
)

const openRouterBase = "https://openrouter.ai/api/v1"

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// contentPart is a single element in a multimodal message content array.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// OpenRouter generates text through the OpenRouter chat-completions API.
type OpenRouter struct {
	cfgStore   *config.Store
	httpClient *http.Client
}

func NewOpenRouter(cfgStore *config.Store) *OpenRouter {
	return &OpenRouter{cfgStore: cfgStore, httpClient: http.DefaultClient}
}

func (c *OpenRouter) apiBase() string {
	if u := c.cfgStore.Get().LLM.BaseURL; u != "" {
		return strings.TrimRight(u, "/")
	}
	return openRouterBase
}

func (c *OpenRouter) Generate(ctx context.Context, req Request) (string, error) {
	if req.Options.Model == "" {
		return "", fmt.Errorf("no model selected")
	}
	parts := []contentPart{{Type: "text", Text: req.Text}}
	if req.Image != nil && len(req.Image.Data) > 0 {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: dataURL(req.Image)},
		})
	}

	body := map[string]any{
		"model":    req.Options.Model,
		"messages": []chatMessage{{Role: "user", Content: parts}},
	}
	if o := req.Options; o.Temperature != 0 {
		body["temperature"] = o.Temperature
	}
	if o := req.Options; o.TopP != 0 {
		body["top_p"] = o.TopP
	}
	if o := req.Options; o.TopK != 0 {
		body["top_k"] = int(o.TopK)
	}
	if o := req.Options; o.MaxOutputTokens != 0 {
		body["max_tokens"] = o.MaxOutputTokens
	}

	respBody, err := c.post(ctx, c.apiBase()+"/chat/completions", c.cfgStore.Get().LLM.OpenRouterKey, body)
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var result chatResponse
	if err := json.NewDecoder(respBody).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	text := strings.TrimSpace(result.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty completion (finish_reason %q)", result.Choices[0].FinishReason)
	}
	return text, nil
}

func dataURL(img *Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data))
}

// cancelOnClose wraps an io.ReadCloser to call a cancel function on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var retryDelays = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}

// post sends a JSON POST request to the given URL with retry on transient errors.
// Returns the response body on success; the caller must close it.
func (c *OpenRouter) post(ctx context.Context, url, key string, body any) (io.ReadCloser, error) {
	timeout := time.Duration(c.cfgStore.Get().LLM.RequestTimeoutSeconds) * time.Second

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attemptCtx, attemptCancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			attemptCancel()
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("HTTP-Referer", "https://github.com/tomasmach/cai")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			attemptCancel()
			lastErr = err
			continue // all network errors are transient
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			attemptCancel()
			lastErr = fmt.Errorf("transient HTTP %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			attemptCancel()
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		// The per-attempt context must stay live while the body is read.
		return &cancelOnClose{ReadCloser: resp.Body, cancel: attemptCancel}, nil
	}
	return nil, lastErr
}
