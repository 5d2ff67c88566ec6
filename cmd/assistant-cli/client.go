package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

type sendResult struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Reply  string `json:"reply"`
}

type historyResult struct {
	UserID   string `json:"user_id"`
	Messages []struct {
		Role      string    `json:"role"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"messages"`
}

func (c *apiClient) Send(ctx context.Context, userID string, messages []string) (sendResult, error) {
	var out sendResult
	err := c.do(ctx, http.MethodPost, "/api/v1/chat/send", nil,
		map[string]interface{}{"user_id": userID, "messages": messages}, &out)
	return out, err
}

func (c *apiClient) History(ctx context.Context, userID string) (historyResult, error) {
	var out historyResult
	err := c.do(ctx, http.MethodGet, "/api/v1/chat/history", userQuery(userID), nil, &out)
	return out, err
}

func (c *apiClient) Clear(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/chat/history", userQuery(userID), nil, nil)
}

func (c *apiClient) SetName(ctx context.Context, userID, name string) error {
	return c.do(ctx, http.MethodPut, "/api/v1/profile", nil,
		map[string]string{"user_id": userID, "user_name": name}, nil)
}

func (c *apiClient) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out)
	return out.Status, err
}

func userQuery(userID string) url.Values {
	if userID == "" {
		return nil
	}
	return url.Values{"user_id": {userID}}
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Status
		}
		return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, msg, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
