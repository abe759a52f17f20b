// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

// =============================================================================
// Client
// =============================================================================

// Client calls the analyst HTTP API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. An empty apiKey
// sends no credentials.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s (%d): %s", msg, e.StatusCode, e.Details)
	}
	return fmt.Sprintf("%s (%d)", msg, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Ask sends one analytics question.
func (c *Client) Ask(ctx context.Context, req datatypes.AnalyticsRequest) (*datatypes.AnalyticsResponse, error) {
	var resp datatypes.AnalyticsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/analytics/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Feedback rates a previous answer.
func (c *Client) Feedback(ctx context.Context, req datatypes.FeedbackRequest) (*datatypes.FeedbackResponse, error) {
	var resp datatypes.FeedbackResponse
	if err := c.do(ctx, http.MethodPost, "/v1/analytics/feedback", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Conversation loads a conversation snapshot.
func (c *Client) Conversation(ctx context.Context, id string) (*datatypes.ConversationSession, error) {
	var sess datatypes.ConversationSession
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ClearConversation deletes a conversation.
func (c *Client) ClearConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/conversations/"+url.PathEscape(id), nil, nil)
}

// ValidateSQL checks a query against the server's security policy.
func (c *Client) ValidateSQL(ctx context.Context, sql string) (*datatypes.ValidationResult, error) {
	var res datatypes.ValidationResult
	if err := c.do(ctx, http.MethodPost, "/v1/sql/validate", datatypes.ValidateSQLRequest{SQL: sql}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &body); err != nil {
		return err
	}
	if body.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", body.Status)
	}
	return nil
}

// do sends body as JSON and decodes a 2xx response into out. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach analyst at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// feedback failures use {"status":"error","message":...}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			Details string `json:"details"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Message, apiErr.Details = payload.Error, payload.Details
			if apiErr.Message == "" {
				apiErr.Message = payload.Message
			}
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
