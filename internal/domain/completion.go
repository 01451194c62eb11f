package domain

type Status int

const (
	Success Status = iota
	Failure
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Result struct {
	Status Status
	Reason error
}

// Completion is invoked at most once with the terminal result of an event.
type Completion func(Result)
