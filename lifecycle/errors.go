package lifecycle

// AdmissionReason is the machine-readable cause of a rejected request
type AdmissionReason string

const (
	ReasonUnknownGame     AdmissionReason = "UNKNOWN_GAME"
	ReasonUnknownProvider AdmissionReason = "UNKNOWN_PROVIDER"
	ReasonUnknownServer   AdmissionReason = "UNKNOWN_SERVER"
	ReasonNoAccess        AdmissionReason = "NO_ACCESS"
	ReasonAtLimit         AdmissionReason = "AT_LIMIT"
	ReasonAtCapacity      AdmissionReason = "AT_CAPACITY"
	ReasonTimerLimit      AdmissionReason = "TIMER_LIMIT"
	ReasonAlreadyClosed   AdmissionReason = "ALREADY_CLOSED"
	ReasonCloseInProgress AdmissionReason = "CLOSE_IN_PROGRESS"
)

// AdmissionError rejects a request before any state change happens.
// It is the only error type the API layer translates into a specific
// status code; anything else is an internal error.
type AdmissionError struct {
	Reason  AdmissionReason
	Message string
}

func newAdmissionError(reason AdmissionReason, message string) *AdmissionError {
	return &AdmissionError{
		Reason:  reason,
		Message: message,
	}
}

func (e *AdmissionError) Error() string {
	return e.Message
}
