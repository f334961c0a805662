package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBreaker struct {
	admit     bool
	successes int
	failures  int
}

func (s *stubBreaker) CanExecute() bool { return s.admit }
func (s *stubBreaker) RecordSuccess()   { s.successes++ }
func (s *stubBreaker) RecordFailure()   { s.failures++ }

func TestRedisClientGuard(t *testing.T) {
	breaker := &stubBreaker{admit: true}
	client := &RedisClient{logger: &NoOpLogger{}, breaker: breaker}

	require.NoError(t, client.guard(func() error { return nil }))
	assert.Equal(t, 1, breaker.successes)

	errDown := errors.New("connection reset")
	assert.ErrorIs(t, client.guard(func() error { return errDown }), errDown)
	assert.Equal(t, 1, breaker.failures)

	// An open breaker fails fast without issuing the command
	breaker.admit = false
	called := false
	err := client.guard(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestRedisClientGuardWithoutBreaker(t *testing.T) {
	client := &RedisClient{logger: &NoOpLogger{}}
	assert.NoError(t, client.guard(func() error { return nil }))
}
