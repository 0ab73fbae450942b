package nfpe

// Status is the lifecycle state of a document.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusRejected   Status = "REJECTED"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusError:      {StatusProcessing},
	StatusProcessing: {StatusAuthorized, StatusRejected, StatusError},
	StatusAuthorized: {StatusCancelled},
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAuthorized, StatusRejected, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Claimable reports whether a worker may move the document to PROCESSING.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusError
}

// Terminal reports whether no automatic transition leaves s.
// AUTHORIZED is terminal unless an explicit cancellation is requested.
func (s Status) Terminal() bool {
	return s == StatusAuthorized || s == StatusRejected || s == StatusCancelled
}

// Deletable reports whether a document in s may be removed. Documents that
// reached the authority's books are kept.
func (s Status) Deletable() bool {
	return s == StatusPending || s == StatusError || s == StatusRejected
}

// CanTransition reports whether from -> to is a legal edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ClaimableStatuses lists the states a processing claim may start from.
func ClaimableStatuses() []Status {
	return []Status{StatusPending, StatusError}
}
