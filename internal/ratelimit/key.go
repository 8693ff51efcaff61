package ratelimit

import "strings"

// KeyForRider builds the limiter key for one rider inside one session.
func KeyForRider(sessionID, userID string) string {
	sessionID = strings.TrimSpace(sessionID)
	userID = strings.TrimSpace(userID)
	if sessionID == "" || userID == "" {
		return ""
	}
	return "ping:s:" + sessionID + ":u:" + userID
}
