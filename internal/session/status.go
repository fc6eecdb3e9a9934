package session

import "time"

// SignedOutMessage confirms a sign-out.
const SignedOutMessage = "Signed out successfully."

const (
	defaultStatusTTL = 3 * time.Second

	messageEmptyLibrary    = "Welcome! Upload comic JSON files to build your library."
	messageLoadFailed      = "Error loading data."
	messageSeriesFailed    = "Error loading series data."
	messageWelcomeTemplate = "Welcome %s! Upload comics to get started."
)

// status is the transient message line. A zero expiry keeps the message until
// it is replaced.
type status struct {
	message   string
	expiresAt time.Time
}

func (s status) at(now time.Time) string {
	if s.message == "" {
		return ""
	}
	if !s.expiresAt.IsZero() && !now.Before(s.expiresAt) {
		return ""
	}
	return s.message
}
