// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions for the studygate client.
package util

import (
	"strconv"
	"time"
)

// IntToString converts an int to its decimal string form.
func IntToString(n int) string {
	return strconv.Itoa(n)
}

// StringToInt parses a decimal string, returning 0 on any parse failure.
// Persisted counters are stored as strings; a missing or corrupt value
// degrades to zero rather than an error.
func StringToInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// NowMillis returns the current wall-clock time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// MillisToTime converts epoch milliseconds to a time.Time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// MillisToString formats epoch milliseconds for storage.
func MillisToString(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

// StringToMillis parses stored epoch milliseconds, returning 0 on failure.
func StringToMillis(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
