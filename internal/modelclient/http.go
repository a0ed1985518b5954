package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// httpClient adapts a plain HTTP/JSON chat gateway (e.g. an Ollama-style
// `/api/chat` endpoint) to the Client contract, mirroring pkg/ollama's
// HTTP-JSON request/decode idiom.
type httpClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewHTTP creates an HTTP-backed model client against baseURL, defaulting to
// model when req.Model is empty.
func NewHTTP(baseURL, model string) Client {
	return &httpClient{baseURL: baseURL, model: model, client: &http.Client{}}
}

type httpChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpChatRequest struct {
	Model    string             `json:"model"`
	Messages []httpChatMessage  `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  map[string]any     `json:"options"`
}

type httpChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount int `json:"eval_count"`
}

func (c *httpClient) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := []httpChatMessage{{Role: "system", Content: req.SystemPrompt}}
	if req.NativeChat {
		for _, t := range req.History {
			messages = append(messages, httpChatMessage{Role: t.Role, Content: t.Content})
		}
		messages = append(messages, httpChatMessage{Role: "user", Content: req.Message})
	} else {
		messages = append(messages, httpChatMessage{Role: "user", Content: req.Prompt})
	}

	body, err := json.Marshal(httpChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": req.Temperature},
	})
	if err != nil {
		return AskResponse{}, fmt.Errorf("modelclient: http encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return AskResponse{}, fmt.Errorf("modelclient: http build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return AskResponse{}, fmt.Errorf("modelclient: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AskResponse{}, fmt.Errorf("modelclient: http status %d", resp.StatusCode)
	}

	var decoded httpChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return AskResponse{}, fmt.Errorf("modelclient: http decode: %w", err)
	}

	return AskResponse{Reply: decoded.Message.Content, TokensUsed: int32(decoded.EvalCount), Model: model}, nil
}
