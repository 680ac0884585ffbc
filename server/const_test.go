package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionHappyPath(t *testing.T) {
	walk := []Status{
		StatusInit,
		StatusAllocating,
		StatusWaiting,
		StatusSettingUp,
		StatusIdle,
		StatusRunning,
		StatusIdle,
		StatusClosing,
		StatusDeallocating,
		StatusClosed,
	}
	for i := 0; i < len(walk)-1; i++ {
		assert.True(t, CanTransition(walk[i], walk[i+1]),
			"%s -> %s should be allowed", walk[i], walk[i+1])
	}
}

func TestCanTransitionRejectsSkippingProvisioning(t *testing.T) {
	// a server can never report occupancy before its first heartbeat
	for _, early := range []Status{StatusInit, StatusAllocating} {
		assert.False(t, CanTransition(early, StatusIdle))
		assert.False(t, CanTransition(early, StatusRunning))
		assert.False(t, CanTransition(early, StatusClosed))
	}
	assert.False(t, CanTransition(StatusWaiting, StatusIdle))
	assert.False(t, CanTransition(StatusWaiting, StatusRunning))
}

func TestCanTransitionTerminalStatesAreFinal(t *testing.T) {
	all := []Status{
		StatusInit, StatusAllocating, StatusWaiting, StatusSettingUp,
		StatusIdle, StatusRunning, StatusUnknown, StatusClosing,
		StatusDeallocating, StatusClosed, StatusFailed,
	}
	for _, next := range all {
		assert.False(t, CanTransition(StatusClosed, next))
		assert.False(t, CanTransition(StatusFailed, next))
	}
}

func TestCanTransitionFailureEdges(t *testing.T) {
	assert.True(t, CanTransition(StatusAllocating, StatusFailed))
	assert.True(t, CanTransition(StatusClosing, StatusFailed))
	assert.True(t, CanTransition(StatusDeallocating, StatusFailed))

	assert.False(t, CanTransition(StatusIdle, StatusFailed))
	assert.False(t, CanTransition(StatusRunning, StatusFailed))
	assert.False(t, CanTransition(StatusWaiting, StatusFailed))
}

func TestCanTransitionClosingReachableFromLiveStates(t *testing.T) {
	for _, live := range []Status{StatusWaiting, StatusSettingUp, StatusIdle, StatusRunning, StatusUnknown} {
		assert.True(t, CanTransition(live, StatusClosing),
			"%s -> CLOSING should be allowed", live)
	}
	assert.False(t, CanTransition(StatusInit, StatusClosing))
	assert.False(t, CanTransition(StatusAllocating, StatusClosing))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusClosing.Terminal())
	assert.False(t, StatusDeallocating.Terminal())
}

func TestExpirable(t *testing.T) {
	for _, s := range []Status{StatusWaiting, StatusSettingUp, StatusIdle, StatusUnknown} {
		assert.True(t, s.Expirable())
	}
	for _, s := range []Status{StatusInit, StatusAllocating, StatusRunning, StatusClosing, StatusDeallocating, StatusClosed, StatusFailed} {
		assert.False(t, s.Expirable())
	}
}

func TestActiveStatusesExcludeTerminal(t *testing.T) {
	for _, s := range ActiveStatuses {
		assert.False(t, s.Terminal())
	}
	assert.NotContains(t, ActiveStatuses, StatusClosed)
	assert.NotContains(t, ActiveStatuses, StatusFailed)
}
