// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// CONNECTIVITY CHECKER
// =============================================================================

// ConnectivityChecker probes the backend on a fixed interval and tracks
// whether it is reachable. Components that fail open consult it to decide
// how loudly to report a backend they already expect to be away.
type ConnectivityChecker struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client

	mu       sync.Mutex
	online   bool
	onChange func(online bool)
	stop     chan struct{}
}

// NewConnectivityChecker probes baseURL every interval with the given
// per-probe timeout. onChange, when set, fires on every transition.
func NewConnectivityChecker(baseURL string, interval, timeout time.Duration, onChange func(online bool)) *ConnectivityChecker {
	return &ConnectivityChecker{
		url:      baseURL,
		interval: interval,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		online:   true,
		onChange: onChange,
	}
}

// Online returns the last probe's verdict.
func (c *ConnectivityChecker) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Start launches the probe loop. An initial probe runs immediately.
func (c *ConnectivityChecker) Start() {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go func() {
		c.probe()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.probe()
			}
		}
	}()
}

// Stop terminates the probe loop.
func (c *ConnectivityChecker) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

func (c *ConnectivityChecker) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return
	}

	resp, err := c.client.Do(req)
	reachable := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	changed := reachable != c.online
	c.online = reachable
	onChange := c.onChange
	c.mu.Unlock()

	if changed {
		log.Printf("api: connectivity changed online=%t", reachable)
		if onChange != nil {
			onChange(reachable)
		}
	}
}
