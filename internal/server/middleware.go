package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter implements per-connection rate limiting with a sliding
// window, so one client spamming ATTACK or CHAT frames cannot starve the
// rest of the lobby.
type RateLimiter struct {
	maxFrames int                    // frames allowed per window
	window    time.Duration          // sliding window duration
	frames    map[string][]time.Time // connectionID -> recent frame times
	mu        sync.Mutex
}

func NewRateLimiter(maxFrames int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxFrames: maxFrames,
		window:    window,
		frames:    make(map[string][]time.Time),
	}
}

// Allow reports whether a connection may process another frame, counting
// the frame if so.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	timestamps := r.frames[connectionID]
	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.maxFrames {
		r.frames[connectionID] = valid
		return false
	}

	valid = append(valid, now)
	r.frames[connectionID] = valid
	return true
}

// RemoveConnection drops rate-limit state for a closed connection.
func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.frames, connectionID)
}

// ValidateFrameType checks an inbound frame type against the protocol.
func ValidateFrameType(frameType string) error {
	validTypes := map[string]bool{
		FrameLogin:         true,
		FrameRegister:      true,
		FrameChat:          true,
		FrameSetDND:        true,
		FrameEnterSpectate: true,
		FrameExitSpectate:  true,
		FrameDuelRequest:   true,
		FrameDuelAccept:    true,
		FrameDuelDecline:   true,
		FrameAttack:        true,
		FrameQteResult:     true,
		FrameGetPlayers:    true,
	}

	if !validTypes[frameType] {
		return fmt.Errorf("INVALID_FRAME_TYPE: Unknown frame type '%s'", frameType)
	}
	return nil
}

// ValidateUsername checks registration username requirements.
func ValidateUsername(username string) error {
	if len(username) == 0 {
		return fmt.Errorf("USERNAME_INVALID: Username cannot be empty")
	}
	if len(username) > 20 {
		return fmt.Errorf("USERNAME_INVALID: Username too long (max 20 characters)")
	}
	for _, ch := range username {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
		default:
			return fmt.Errorf("USERNAME_INVALID: Username may only contain letters, digits, '_' and '-'")
		}
	}
	return nil
}
