package server

// Status is the lifecycle state of a Server
type Status string

// Valid statuses of a server
// INIT -> ALLOCATING -> WAITING -> SETTING_UP -> IDLE <-> RUNNING
// WAITING/SETTING_UP/IDLE/RUNNING/UNKNOWN -> CLOSING -> DEALLOCATING -> CLOSED
// ALLOCATING/CLOSING/DEALLOCATING -> FAILED (terminal, no automatic retry)
// UNKNOWN is entered from any failed occupancy probe and behaves like IDLE
// for closing purposes
const (
	StatusInit         Status = "INIT"
	StatusAllocating   Status = "ALLOCATING"
	StatusWaiting      Status = "WAITING"
	StatusSettingUp    Status = "SETTING_UP"
	StatusIdle         Status = "IDLE"
	StatusRunning      Status = "RUNNING"
	StatusUnknown      Status = "UNKNOWN"
	StatusClosing      Status = "CLOSING"
	StatusDeallocating Status = "DEALLOCATING"
	StatusClosed       Status = "CLOSED"
	StatusFailed       Status = "FAILED"
)

// ActiveStatuses are the statuses counting against quotas and capacity.
// CLOSED and FAILED servers are retained for audit but no longer active.
var ActiveStatuses = []Status{
	StatusInit,
	StatusAllocating,
	StatusWaiting,
	StatusSettingUp,
	StatusIdle,
	StatusRunning,
	StatusUnknown,
	StatusClosing,
	StatusDeallocating,
}

// transitions is the allowed edge set of the status graph
var transitions = map[Status][]Status{
	StatusInit:         {StatusAllocating},
	StatusAllocating:   {StatusWaiting, StatusFailed},
	StatusWaiting:      {StatusSettingUp, StatusClosing},
	StatusSettingUp:    {StatusIdle, StatusClosing},
	StatusIdle:         {StatusRunning, StatusUnknown, StatusClosing},
	StatusRunning:      {StatusIdle, StatusUnknown, StatusClosing},
	StatusUnknown:      {StatusIdle, StatusRunning, StatusClosing},
	StatusClosing:      {StatusDeallocating, StatusFailed},
	StatusDeallocating: {StatusClosed, StatusFailed},
	StatusClosed:       {},
	StatusFailed:       {},
}

// CanTransition reports whether from -> to is an edge of the status graph
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// Expirable reports whether a server in this status may carry a closeAt deadline
func (s Status) Expirable() bool {
	switch s {
	case StatusWaiting, StatusSettingUp, StatusIdle, StatusUnknown:
		return true
	}
	return false
}
