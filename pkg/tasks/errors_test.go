package tasks

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoRetry(t *testing.T) {
	assert.Nil(t, NoRetry(nil))

	base := errors.New("bad input")
	err := fmt.Errorf("wrapped: %w", NoRetry(base))
	assert.True(t, IsNoRetry(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsNoRetry(base))
}

func TestRetryAfter(t *testing.T) {
	assert.Nil(t, RetryAfter(nil, time.Second))

	err := fmt.Errorf("call: %w", RetryAfter(errors.New("429"), 30*time.Second))
	var ra RetryAfterError
	if assert.ErrorAs(t, err, &ra) {
		assert.Equal(t, 30*time.Second, ra.RetryAfter())
	}

	neg := RetryAfter(errors.New("x"), -time.Second).(RetryAfterError)
	assert.Equal(t, time.Duration(0), neg.RetryAfter())
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Kind: TimeoutHard, Limit: time.Hour}
	assert.Equal(t, "hard time limit (1h0m0s) exceeded", err.Error())

	soft := &TimeoutError{Kind: TimeoutSoft, Limit: time.Minute, Err: ErrSoftTimeLimit}
	assert.ErrorIs(t, soft, ErrSoftTimeLimit)
	assert.Contains(t, soft.Error(), "soft time limit")
}

func TestConfigurationError(t *testing.T) {
	err := Configf("redis.port", "must be between 1 and 65535, got %d", 0)
	var ce *ConfigurationError
	if assert.ErrorAs(t, err, &ce) {
		assert.Equal(t, "redis.port", ce.Field)
	}
	assert.Equal(t, "configuration error: redis.port: must be between 1 and 65535, got 0", err.Error())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRetrying.Terminal())
	assert.False(t, StatusStarted.Terminal())
	assert.False(t, StatusPending.Terminal())
}
