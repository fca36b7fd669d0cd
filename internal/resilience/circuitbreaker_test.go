package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

func failingCall(provider string) func() error {
	return func() error {
		return llmerrors.NewHTTP(provider, 500, "internal server error")
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("openai", BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	})

	for i := 0; i < 2; i++ {
		err := cb.Call(failingCall("openai"))
		require.Error(t, err)
		assert.Equal(t, StateClosed, cb.State(), "breaker must stay closed below threshold")
	}

	err := cb.Call(failingCall("openai"))
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "breaker must open at exactly the threshold")
}

func TestCircuitBreakerShortCircuitsWithoutInvoking(t *testing.T) {
	cb := NewCircuitBreaker("openai", BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		RetryAfter:       45 * time.Second,
	})

	require.Error(t, cb.Call(failingCall("openai")))
	require.Equal(t, StateOpen, cb.State())

	invoked := false
	err := cb.Call(func() error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, invoked, "open breaker must not invoke the call")
	assert.Equal(t, llmerrors.KindCircuitOpen, llmerrors.KindOf(err))

	var le *llmerrors.LLMError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "openai", le.Provider)
	assert.Equal(t, 45*time.Second, le.RetryAfter)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("groq", BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
	})

	require.Error(t, cb.Call(failingCall("groq")))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	// The probe succeeds, closing the circuit.
	err := cb.Call(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("groq", BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
	})

	require.Error(t, cb.Call(failingCall("groq")))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, cb.Call(failingCall("groq")))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("openai", BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
	})

	require.Error(t, cb.Call(failingCall("openai")))
	require.NoError(t, cb.Call(func() error { return nil }))
	require.Error(t, cb.Call(failingCall("openai")))

	assert.Equal(t, StateClosed, cb.State(), "success must reset the consecutive counter")
}

func TestManagerIsolatesScopes(t *testing.T) {
	m := NewManager(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	require.Error(t, m.Call("openai", failingCall("openai")))
	assert.Equal(t, StateOpen, m.Get("openai").State())

	// Other providers are unaffected.
	err := m.Call("anthropic", func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, m.Get("anthropic").State())
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		failure bool
	}{
		{"server error", 500, "boom", true},
		{"bad gateway", 502, "", true},
		{"rate limited", 429, "slow down", true},
		{"genuine auth failure", 401, "invalid api key", false},
		{"disguised rate limit", 401, "Rate limit exceeded for org", true},
		{"quota exhausted", 401, "Monthly quota exceeded", true},
		{"throttled", 401, "request throttled", true},
		{"client error", 400, "bad request", false},
		{"success", 200, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.failure, ClassifyStatus(tt.status, tt.body))
		})
	}
}

func TestIsFailureClassification(t *testing.T) {
	assert.False(t, IsFailure(nil))
	assert.True(t, IsFailure(llmerrors.NewTransport("openai", "connection refused")))
	assert.True(t, IsFailure(llmerrors.NewHTTP("openai", 503, "unavailable")))
	assert.False(t, IsFailure(llmerrors.NewHTTP("openai", 404, "no such model")))
	assert.False(t, IsFailure(llmerrors.NewValidation("empty messages")))
	assert.False(t, IsFailure(errors.New("plain error")))
}
