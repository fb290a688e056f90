package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fl-sean03/agentgate/internal/model"
)

func TestPolicy_Delay_GrowsExponentiallyAndCapsAtMaxDelay(t *testing.T) {
	p := Policy{
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0, // deterministic
	}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 10*time.Second, p.Delay(10)) // capped
}

func TestPolicy_Delay_JitterStaysWithinBounds(t *testing.T) {
	p := Policy{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 1,
		JitterFactor:      0.2,
	}
	for i := 0; i < 50; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestManager_ShouldRetry_RespectsBudgetAndRetryability(t *testing.T) {
	m := New(Policy{MaxRetries: 2}, nil)
	assert.True(t, m.ShouldRetry("wo-1", model.CodeOOMKilled))
	assert.False(t, m.ShouldRetry("wo-1", model.CodeInvalidWorkOrder))

	m.ScheduleRetry("wo-1")
	m.ScheduleRetry("wo-1")
	assert.False(t, m.ShouldRetry("wo-1", model.CodeOOMKilled), "exhausted after MaxRetries attempts")
}

func TestManager_ScheduleRetry_FiresOnDueCallback(t *testing.T) {
	var (
		mu    sync.Mutex
		fired string
	)
	done := make(chan struct{})
	m := New(Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 1}, func(id string) {
		mu.Lock()
		fired = id
		mu.Unlock()
		close(done)
	})

	m.ScheduleRetry("wo-2")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onDue callback did not fire in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "wo-2", fired)
}

func TestManager_ResetAttempts(t *testing.T) {
	m := New(Policy{MaxRetries: 1}, nil)
	m.ScheduleRetry("wo-3")
	require.Equal(t, 1, m.Attempts("wo-3"))

	m.ResetAttempts("wo-3")
	assert.Equal(t, 0, m.Attempts("wo-3"))
}

func TestManager_CancelAll_StopsPendingTimers(t *testing.T) {
	fired := false
	m := New(Policy{BaseDelay: 50 * time.Millisecond, BackoffMultiplier: 1}, func(string) { fired = true })
	m.ScheduleRetry("wo-4")
	m.CancelAll()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired, "canceled timer must not fire")
}
