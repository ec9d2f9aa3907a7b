package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailureThreshold: 3,
		RecoveryTimeout:             20 * time.Millisecond,
		HalfOpenProbes:              1,
		HalfOpenSuccessesToClose:    2,
	}
}

func TestNewBreakerManager_StartsClosed(t *testing.T) {
	m := NewBreakerManager(testSettings(), testSettings(), testSettings())

	assert.Equal(t, gobreaker.StateClosed, m.Breaker(EndpointSecLend).State())
	assert.Equal(t, gobreaker.StateClosed, m.Breaker(EndpointMarket).State())
	assert.Equal(t, gobreaker.StateClosed, m.Breaker(EndpointEvent).State())
}

func TestBreaker_TripsOpenAfterConsecutiveFailures(t *testing.T) {
	m := NewBreakerManager(testSettings(), testSettings(), testSettings())
	b := m.Breaker(EndpointSecLend)

	fail := func() error {
		_, err := b.Execute(func() (interface{}, error) {
			return nil, errors.New("boom")
		})
		return err
	}

	require.Error(t, fail())
	require.Error(t, fail())
	assert.Equal(t, gobreaker.StateClosed, b.State())

	require.Error(t, fail())
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreaker_RejectsFastWhileOpen(t *testing.T) {
	m := NewBreakerManager(testSettings(), testSettings(), testSettings())
	b := m.Breaker(EndpointSecLend)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	called := false
	_, err := b.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called, "operation must not run while breaker is open")
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	settings := testSettings()
	m := NewBreakerManager(settings, testSettings(), testSettings())
	b := m.Breaker(EndpointSecLend)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(settings.RecoveryTimeout + 5*time.Millisecond)

	for i := 0; i < int(settings.HalfOpenSuccessesToClose); i++ {
		_, err := b.Execute(func() (interface{}, error) { return nil, nil })
		require.NoError(t, err)
	}

	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	settings := testSettings()
	m := NewBreakerManager(settings, testSettings(), testSettings())
	b := m.Breaker(EndpointSecLend)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(settings.RecoveryTimeout + 5*time.Millisecond)

	_, err := b.Execute(func() (interface{}, error) { return nil, errors.New("still failing") })
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}
