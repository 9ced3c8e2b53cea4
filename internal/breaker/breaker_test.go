package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		OpTimeout:        time.Second,
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("docs", testSettings())
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "below threshold should stay closed")

	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.Equal(t, "open", b.Snapshot().State)
}

func TestSuccessResetsConsecutiveFailureCount(t *testing.T) {
	b := New("docs", testSettings())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "success should have reset the failure streak")
}

func TestHalfOpenRequiresSuccessThreshold(t *testing.T) {
	b := New("docs", testSettings())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.IsOpen())

	time.Sleep(25 * time.Millisecond)
	assert.False(t, b.IsOpen(), "recovery timeout elapsed, should probe as half-open")
	assert.Equal(t, "half-open", b.Snapshot().State)

	b.RecordSuccess()
	assert.Equal(t, "half-open", b.Snapshot().State, "one success is below success_threshold=2")

	b.RecordSuccess()
	assert.Equal(t, "closed", b.Snapshot().State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("docs", testSettings())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(25 * time.Millisecond)
	require.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen(), "a single failure during the half-open probe reopens immediately")
}

func TestTimeoutCountsAsFailureAndIsTallied(t *testing.T) {
	b := New("docs", testSettings())
	b.RecordTimeout()
	b.RecordTimeout()
	b.RecordTimeout()
	assert.True(t, b.IsOpen())
	assert.Equal(t, uint64(3), b.Snapshot().TimeoutCalls)
}

func TestResetForcesClosed(t *testing.T) {
	b := New("docs", testSettings())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, "closed", b.Snapshot().State)
}

func TestManagerPerAdapterOverride(t *testing.T) {
	m := NewManager(DefaultSettings(), map[string]Settings{
		"strict": {FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute, OpTimeout: time.Second},
	})

	strict := m.GetBreaker("strict")
	strict.RecordFailure()
	assert.True(t, strict.IsOpen(), "override threshold of 1 should open on first failure")

	lenient := m.GetBreaker("lenient")
	lenient.RecordFailure()
	assert.False(t, lenient.IsOpen(), "default threshold should not open on a single failure")

	assert.Same(t, strict, m.GetBreaker("strict"), "GetBreaker should return the same instance")
}
