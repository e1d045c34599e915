// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api is the REST client for the learning-platform backend. It
// retries transient failures with exponential backoff, treats 4xx answers
// as definitive, and serves dashboard reads through the response cache.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/studygate/internal/cache"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 10 << 20

	// Retry backoff: base * 2^attempt, capped.
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	defaultMaxRetries     = 3
	defaultRequestTimeout = 30 * time.Second
)

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	http       *http.Client
	cache      *cache.ResponseCache
	maxRetries int
}

// NewClient creates a Client for the backend at baseURL. httpClient may be
// nil, in which case a pooled client with a TLS 1.2 floor is used.
// respCache may be nil to disable dashboard caching.
func NewClient(baseURL string, httpClient *http.Client, respCache *cache.ResponseCache) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       httpClient,
		cache:      respCache,
		maxRetries: defaultMaxRetries,
	}
}

// do performs one HTTP request with retries and returns the body. 4xx
// statuses return an *APIError immediately; 5xx and transport errors are
// retried with backoff.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("api: build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("api: %s %s: %w", method, path, err)
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("api: read response: %w", readErr)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
			if apiErr.Message == "" {
				apiErr.Message = envelope.Detail
			}
		}
		if !retryable(resp.StatusCode) {
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, lastErr
}

// getJSON unmarshals a GET response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// SESSION ENDPOINTS
// =============================================================================

// ValidateSession asks whether the current bearer token names an
// authorized session.
func (c *Client) ValidateSession(ctx context.Context) (bool, error) {
	var resp struct {
		Authorized bool `json:"authorized"`
	}
	if err := c.getJSON(ctx, "/api/validate-session/", &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

// Logout invalidates the session on the backend, reporting a reason code.
func (c *Client) Logout(ctx context.Context, studentID, reason string) error {
	path := "/api/logout/" + studentID + "/"
	if reason != "" {
		path += reason + "/"
	}
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

// =============================================================================
// TIMED-TEST ENDPOINTS
// =============================================================================

// TestDuration returns the server-authoritative seconds remaining for the
// test, or completed=true when it is already finished. The PATCH doubles
// as the server-side activity marker for the test.
func (c *Client) TestDuration(ctx context.Context, studentID, testID string) (int, bool, error) {
	path := fmt.Sprintf("/api/student/test/duration/%s/%s/", studentID, testID)
	data, err := c.do(ctx, http.MethodPatch, path, nil)
	if err != nil {
		return 0, false, err
	}

	var resp struct {
		TimeLeft int    `json:"time_left"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, false, fmt.Errorf("api: decode %s: %w", path, err)
	}
	return resp.TimeLeft, strings.EqualFold(resp.Status, "completed"), nil
}

// SubmitTest finalizes the test on the backend.
func (c *Client) SubmitTest(ctx context.Context, studentID, testID string) error {
	path := fmt.Sprintf("/api/student/test/submit/%s/%s/", studentID, testID)
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

// =============================================================================
// PROGRESSION ENDPOINT
// =============================================================================

// LessonVerdict is the backend's answer to a subtask check.
type LessonVerdict struct {
	Allowed bool
	Message string
}

// LessonStatus asks whether the student may proceed with the subtask. The
// backend's status field arrives as either a bool or a string depending on
// the endpoint version, so both are accepted.
func (c *Client) LessonStatus(ctx context.Context, studentID, taskID string, subtaskIndex int) (LessonVerdict, error) {
	path := fmt.Sprintf("/api/student/lesson/status/%s/%s/%d/", studentID, taskID, subtaskIndex)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return LessonVerdict{}, err
	}

	var resp struct {
		Status  json.RawMessage `json:"status"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return LessonVerdict{}, fmt.Errorf("api: decode %s: %w", path, err)
	}
	return LessonVerdict{
		Allowed: parseFlexibleBool(resp.Status),
		Message: resp.Message,
	}, nil
}

// parseFlexibleBool accepts true, "true", and "True"; everything else is
// false.
func parseFlexibleBool(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.EqualFold(s, "true")
	}
	return false
}

// =============================================================================
// DASHBOARD
// =============================================================================

// Dashboard fetches a dashboard resource, serving from the response cache
// when a fresh entry exists.
func (c *Client) Dashboard(ctx context.Context, path string) ([]byte, error) {
	if c.cache != nil {
		if body := c.cache.Get(path); body != nil {
			return body, nil
		}
	}

	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Set(path, data)
	}
	return data, nil
}
