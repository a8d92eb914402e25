package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	sentinel := errors.New("persistent failure")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return NonRetryable(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsNonRetryable(err))
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("failing")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Millisecond,
	}, func() error { return nil })
	assert.Error(t, err)
}

func TestDoWithResult(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	result, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("again")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}
