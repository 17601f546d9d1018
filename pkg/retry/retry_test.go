package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialDelay: time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	}, func(err error) bool { return errors.Is(err, errTransient) })
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return errTransient
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, errTransient, errors.Cause(err))
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 3, InitialDelay: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			calls++
			return errTransient
		}, nil)
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
	assert.Equal(t, 1, calls)
}

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, Multiplier: 1.5, MaxDelay: 300 * time.Millisecond}
	assert.Equal(t, time.Duration(0), Delay(cfg, 0))
	assert.Equal(t, 100*time.Millisecond, Delay(cfg, 1))
	assert.Equal(t, 150*time.Millisecond, Delay(cfg, 2))
	assert.Equal(t, 225*time.Millisecond, Delay(cfg, 3))
	assert.Equal(t, 300*time.Millisecond, Delay(cfg, 4))

	cfg.Multiplier = 0
	assert.Equal(t, 100*time.Millisecond, Delay(cfg, 5))
}
