// Package remote talks to the conversation store and the streaming
// completion endpoints over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pmchat/internal/domain"
)

const (
	DefaultHistoryPath       = "/api/chat/history"
	DefaultConversationsPath = "/api/chat/conversations"

	maxErrorBody = 1024
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL           string
	HistoryPath       string
	ConversationsPath string
	AuthToken         string        // sent as a bearer token when set
	Timeout           time.Duration // connection and response-header timeout
	MaxRetries        int           // for idempotent calls only; 0 disables retry
	HTTPClient        *http.Client  // optional, defaults to SharedHTTPClient
	Logger            *slog.Logger
}

// Client implements domain.RemoteStore and domain.Completer.
type Client struct {
	baseURL           string
	historyPath       string
	conversationsPath string
	authToken         string
	maxRetries        int
	http              *http.Client
	logger            *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = DefaultHistoryPath
	}
	if cfg.ConversationsPath == "" {
		cfg.ConversationsPath = DefaultConversationsPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		historyPath:       cfg.HistoryPath,
		conversationsPath: cfg.ConversationsPath,
		authToken:         cfg.AuthToken,
		maxRetries:        cfg.MaxRetries,
		http:              cfg.HTTPClient,
		logger:            cfg.Logger,
	}
}

// History reads the persisted messages of key. A 404 maps to domain.ErrNotFound.
func (c *Client) History(ctx context.Context, key domain.ConversationKey) (*domain.History, error) {
	target := c.baseURL + c.historyPath + "?" + url.Values{"id": {string(key)}}.Encode()

	resp, err := doWithRetry(ctx, c.http, c.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, c.transportError(ctx, "history", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, failed("history", resp)
	}

	var body HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.NetworkError{Op: "history", Err: fmt.Errorf("decode: %w", err)}
	}

	history := &domain.History{Messages: make([]domain.Message, 0, len(body.Messages))}
	for _, m := range body.Messages {
		history.Messages = append(history.Messages, FromWire(m))
	}
	if body.Conversation != nil {
		history.Title = body.Conversation.Title
	}
	return history, nil
}

// UpsertConversation registers meta with the remote store. It is idempotent
// by key and therefore eligible for retry.
func (c *Client) UpsertConversation(ctx context.Context, meta domain.ConversationMeta) error {
	payload, err := json.Marshal(UpsertRequest{
		ID:        string(meta.Key),
		AgentRole: string(meta.Role),
		ProjectID: meta.ProjectID,
		Title:     meta.Title,
	})
	if err != nil {
		return fmt.Errorf("marshal upsert: %w", err)
	}

	resp, err := doWithRetry(ctx, c.http, c.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+c.conversationsPath, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, c.logger)
	if err != nil {
		return c.transportError(ctx, "upsert conversation", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failed("upsert conversation", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Stream posts req to endpoint and returns the unread response body. It is
// never retried: the endpoint persists the user message.
func (c *Client) Stream(ctx context.Context, endpoint string, req domain.ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(ChatBody{
		ID:        string(req.Key),
		Message:   ToWire(req.Message),
		ProjectID: req.ProjectID,
		Model:     req.Model,
		WebSearch: req.WebSearch,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.authorize(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, "stream "+endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, failed("stream "+endpoint, resp)
	}
	return resp.Body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// transportError passes context errors through untouched and wraps the rest.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &domain.NetworkError{Op: op, Err: err}
}

func failed(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &domain.RequestFailedError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
