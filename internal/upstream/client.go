package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Hunafi/framesnap/internal/retry"
)

// Operations understood by the vision endpoint. "describe" is the full-cost
// first pass over a frame; "prompt" is the cheaper follow-up that derives a
// generation prompt from a prior description.
const (
	OpDescribe = "describe"
	OpPrompt   = "prompt"
)

// Feedback carries quota hints scraped from response headers. Either counter
// is -1 when the upstream omitted that header. Token and request budgets are
// different units; QuotaRemaining converts whichever is present into the
// token-denominated units the quota tracker charges in.
type Feedback struct {
	RemainingTokens   int
	RemainingRequests int
	ResetAfter        time.Duration
}

// QuotaRemaining converts header feedback to cost units. Token counts pass
// through; a bare request count is scaled by fullCost so each remaining
// request is assumed to afford one full-cost operation. Absence is -1.
func (f Feedback) QuotaRemaining(fullCost int) int {
	if f.RemainingTokens >= 0 {
		return f.RemainingTokens
	}
	if f.RemainingRequests >= 0 {
		if fullCost <= 0 {
			fullCost = 1
		}
		return f.RemainingRequests * fullCost
	}
	return -1
}

func noFeedback() Feedback {
	return Feedback{RemainingTokens: -1, RemainingRequests: -1}
}

// Client talks to a chat-completions style vision API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewClient builds a client. timeout bounds the whole HTTP exchange; the
// engine layers its own per-attempt deadline on top via context.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

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
	} `json:"choices"`
}

// Analyze sends one operation for one payload and returns the text result
// plus quota feedback. Errors are retry.UpstreamError values so the executor
// can classify them.
func (c *Client) Analyze(ctx context.Context, operation string, payload []byte) ([]byte, Feedback, error) {
	req, err := c.buildRequest(operation, payload)
	if err != nil {
		return nil, noFeedback(), err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, noFeedback(), fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, noFeedback(), err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, noFeedback(), err
	}
	defer resp.Body.Close()

	fb := feedbackFromHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fb, &retry.UpstreamError{
			Status:     resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			RetryAfter: retryAfterFromHeader(resp.Header),
		}
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fb, fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fb, &retry.UpstreamError{Status: resp.StatusCode, Message: "response contained no choices"}
	}
	return []byte(chat.Choices[0].Message.Content), fb, nil
}

func (c *Client) buildRequest(operation string, payload []byte) (chatRequest, error) {
	switch operation {
	case OpDescribe:
		encoded := base64.StdEncoding.EncodeToString(payload)
		return chatRequest{
			Model: c.model,
			Messages: []chatMessage{{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: "Describe this video frame in one detailed paragraph: subjects, setting, lighting, camera angle."},
					{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + encoded}},
				},
			}},
			MaxTokens: 400,
		}, nil
	case OpPrompt:
		return chatRequest{
			Model: c.model,
			Messages: []chatMessage{{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: "Turn this frame description into a concise image-generation prompt:\n\n" + string(payload)},
				},
			}},
			MaxTokens: 200,
		}, nil
	default:
		return chatRequest{}, fmt.Errorf("unknown operation %q", operation)
	}
}

// feedbackFromHeaders scrapes quota hints. Token headers are preferred since
// they match the tracker's cost units; absent or malformed headers yield -1
// and the engine falls back to backoff-only behavior.
func feedbackFromHeaders(h http.Header) Feedback {
	fb := noFeedback()
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fb.RemainingTokens = n
		}
	}
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fb.RemainingRequests = n
		}
	}
	if v := h.Get("x-ratelimit-reset-tokens"); v != "" {
		fb.ResetAfter = parseResetHint(v)
	} else if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		fb.ResetAfter = parseResetHint(v)
	}
	return fb
}

// parseResetHint accepts either a bare number of seconds or a Go-style
// duration ("6s", "1m12s").
func parseResetHint(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return 0
}

func retryAfterFromHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
