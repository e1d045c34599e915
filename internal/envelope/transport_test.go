// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package envelope

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/studygate/internal/store"
	"github.com/jeranaias/studygate/internal/util"
)

func newTransportClient(h *harness) *http.Client {
	return &http.Client{Transport: h.env.Transport(nil)}
}

func TestTransportAttachesBearerToken(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	resp, err := newTransportClient(h).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok-secret", got)
}

func TestTransportPassesAnonymousRequests(t *testing.T) {
	h := newHarness(t)

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	resp, err := newTransportClient(h).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, got, "no token, no header, request still goes out")
}

func TestTransportRefreshesActivityOn200Only(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	client := newTransportClient(h)

	h.now = h.now.Add(10 * time.Second)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	wantMs := util.MillisToString(h.now.UnixMilli())
	assert.Equal(t, wantMs, h.durable.Get(store.KeyActivityTimestamp))

	// A 204 is a success but not user-visible activity.
	status = http.StatusNoContent
	h.now = h.now.Add(10 * time.Second)
	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, wantMs, h.durable.Get(store.KeyActivityTimestamp), "204 must not refresh")
}

func TestTransportForcesLogoutOn401(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	resp, err := newTransportClient(h).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// Teardown completed before the response was handed back.
	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.env.Token())
	assert.Equal(t, []string{RouteLogin}, h.routes)
}

func TestTransportForcesLogoutOn403(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	resp, err := newTransportClient(h).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.durable.Get(store.KeyAccessToken))
}

func TestTransportPreservesExistingAuthorizationHeader(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer explicit")

	resp, err := newTransportClient(h).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer explicit", got)
}
