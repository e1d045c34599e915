// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package envelope

import (
	"net/http"
)

// =============================================================================
// AUTHENTICATING TRANSPORT
// =============================================================================

// transport is an http.RoundTripper that attaches the bearer token to
// outgoing requests and reacts to the response status:
//
//   - 200 refreshes the activity timestamp (any other success code does
//     not; only a plain 200 counts as user-visible activity).
//   - 401 and 403 trigger a synchronous forced logout before the response
//     is returned to the caller.
type transport struct {
	env  *Envelope
	base http.RoundTripper
}

// Transport wraps base (nil means http.DefaultTransport) with the
// envelope's auth behavior. The returned RoundTripper is what the backend
// client's http.Client should use.
func (e *Envelope) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{env: e, base: base}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Never block an anonymous request: no token, no header.
	if token := t.env.Token(); token != "" && req.Header.Get("Authorization") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		t.env.RefreshActivity()
	case http.StatusUnauthorized, http.StatusForbidden:
		t.env.ForceLogout()
	}
	return resp, nil
}
