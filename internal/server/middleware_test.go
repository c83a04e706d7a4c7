package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("conn-1"))
	}
	// 4th frame in the window is rejected
	assert.False(t, limiter.Allow("conn-1"))

	// Other connections are tracked independently
	assert.True(t, limiter.Allow("conn-2"))
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	limiter := NewRateLimiter(2, 50*time.Millisecond)

	assert.True(t, limiter.Allow("conn-1"))
	assert.True(t, limiter.Allow("conn-1"))
	assert.False(t, limiter.Allow("conn-1"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, limiter.Allow("conn-1"))
}

func TestRateLimiterRemoveConnection(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)

	assert.True(t, limiter.Allow("conn-1"))
	assert.False(t, limiter.Allow("conn-1"))

	limiter.RemoveConnection("conn-1")
	assert.True(t, limiter.Allow("conn-1"))
}

func TestValidateFrameType(t *testing.T) {
	for _, frameType := range []string{FrameLogin, FrameChat, FrameAttack, FrameGetPlayers} {
		assert.NoError(t, ValidateFrameType(frameType))
	}

	err := ValidateFrameType("TELEPORT")
	assert.Error(t, err)

	// Server->client types are not valid inbound
	assert.Error(t, ValidateFrameType(FrameLoginOK))
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice"))
	assert.NoError(t, ValidateUsername("Player_1-X"))

	if err := ValidateUsername(""); err == nil {
		t.Error("Expected error for empty username")
	}
	if err := ValidateUsername("this-name-is-way-too-long-for-us"); err == nil {
		t.Error("Expected error for overlong username")
	}
	// Colons would corrupt the wire framing
	if err := ValidateUsername("al:ice"); err == nil {
		t.Error("Expected error for username containing colon")
	}
	if err := ValidateUsername("al ice"); err == nil {
		t.Error("Expected error for username containing space")
	}
}
