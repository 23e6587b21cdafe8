// Package ratelimit tracks the server's request quota and gates requests
// before it runs out.
//
// The API reports its quota on every response through X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset (unix seconds). The tracker
// keeps the latest values in Redis so that all client instances talking to
// the same API host with the same token also share the view of the quota.
// Each host and token pair has its own hash (see StateKey). Without Redis the
// state is process local.
package ratelimit

import (
	"time"
)

// RedisKeyState is the hash holding the shared quota state of a tracker
// without a partition, and the prefix of partitioned hashes.
const RedisKeyState = "cf:rate_limit:state"

// StateKey returns the hash for the quota of principal on host.
func StateKey(host, principal string) string {
	return RedisKeyState + ":" + host + ":" + principal
}

// Quota thresholds as a fraction of the limit.
const (
	// CriticalRatio blocks requests when remaining/limit falls below it.
	CriticalRatio = 0.01

	// WarningRatio throttles requests when remaining/limit falls below it.
	WarningRatio = 0.05

	// HealthyRatio marks the state healthy at or above it.
	HealthyRatio = 0.20
)

// State is the server-reported request quota.
type State struct {
	// Limit is the quota per window (X-RateLimit-Limit). Zero if unknown.
	Limit int `json:"limit"`

	// Remaining is the quota left in the window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets (X-RateLimit-Reset).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last refreshed from a response.
	LastUpdate time.Time `json:"last_update"`

	IsHealthy bool `json:"is_healthy"`
}

// ratio returns remaining/limit. An unknown limit counts as full quota
// unless the server reported nothing left.
func (s *State) ratio() float64 {
	if s.Limit <= 0 {
		if s.Remaining <= 0 {
			return 0
		}
		return 1
	}
	return float64(s.Remaining) / float64(s.Limit)
}

// windowOpen reports whether now is still inside the reported window.
func (s *State) windowOpen(now time.Time) bool {
	return !s.ResetAt.IsZero() && now.Before(s.ResetAt)
}

// IsStale reports whether the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock reports whether requests must wait for the window reset.
func (s *State) NeedsCriticalBlock(now time.Time) bool {
	return s.windowOpen(now) && (s.Remaining <= 0 || s.ratio() < CriticalRatio)
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *State) NeedsThrottling(now time.Time) bool {
	return s.windowOpen(now) && s.ratio() < WarningRatio && !s.NeedsCriticalBlock(now)
}

// TimeUntilReset returns the time until the window resets, or 0.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.ratio() >= HealthyRatio
}
