package statestore

// Status is the onboarding lifecycle position of one record.
type Status string

const (
	StatusNew              Status = "new"
	StatusActive           Status = "active"
	StatusPendingWelcome   Status = "pending_welcome"
	StatusCollectingInfo   Status = "collecting_info"
	StatusReadyForHandover Status = "ready_for_handover"
	StatusComplete         Status = "complete"
	StatusCancelled        Status = "cancelled"
	StatusOAuthFailed      Status = "oauth_failed"
)

// rank orders the forward path. active and pending_welcome are alternative
// second steps and share a rank.
var rank = map[Status]int{
	StatusNew:              0,
	StatusActive:           1,
	StatusPendingWelcome:   1,
	StatusCollectingInfo:   2,
	StatusReadyForHandover: 3,
	StatusComplete:         4,
}

func AllStatuses() []Status {
	return []Status{
		StatusNew,
		StatusActive,
		StatusPendingWelcome,
		StatusCollectingInfo,
		StatusReadyForHandover,
		StatusComplete,
		StatusCancelled,
		StatusOAuthFailed,
	}
}

func (s Status) Valid() bool {
	if _, ok := rank[s]; ok {
		return true
	}
	return s == StatusCancelled || s == StatusOAuthFailed
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// CanTransition reports whether from may move to to. Equal statuses are
// not a transition and report false.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from == to || from.Terminal() {
		return false
	}

	switch {
	case to == StatusCancelled, to == StatusOAuthFailed:
		return true
	case from == StatusOAuthFailed:
		return to != StatusNew
	case to == StatusNew:
		return false
	}

	return rank[to] >= rank[from]
}

// OAuth sub-statuses.
const (
	OAuthPending  = "pending"
	OAuthComplete = "complete"
	OAuthFailed   = "failed"
)
