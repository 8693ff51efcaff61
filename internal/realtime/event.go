// Package realtime fans session change notifications out to live streams.
//
// Writers call Dispatcher.Notify after committing a change. The dispatcher
// coalesces pending notifications and publishes them on a Bus. A Hub keeps
// one bus subscription per session with local watchers and pokes each
// watcher, which reloads the full state it presents and emits it on its
// Stream.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names the slice of session state that changed.
type Kind string

const (
	KindSession      Kind = "session"
	KindParticipants Kind = "participants"
	KindPositions    Kind = "positions"
	KindRoute        Kind = "route"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []Kind{KindSession, KindParticipants, KindPositions, KindRoute}

// Event announces that one kind of state changed for a session.
type Event struct {
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`
}

// KindMask is a set of kinds.
type KindMask uint8

func kindBit(kind Kind) KindMask {
	switch kind {
	case KindSession:
		return 1 << 0
	case KindParticipants:
		return 1 << 1
	case KindPositions:
		return 1 << 2
	case KindRoute:
		return 1 << 3
	default:
		return 0
	}
}

// Mask builds a KindMask from kinds.
func Mask(kinds ...Kind) KindMask {
	var mask KindMask
	for _, kind := range kinds {
		mask |= kindBit(kind)
	}
	return mask
}

// Has reports whether kind is in the set.
func (m KindMask) Has(kind Kind) bool {
	bit := kindBit(kind)
	return bit != 0 && m&bit != 0
}

func encodeEvent(ev Event) (string, error) {
	payload, errMarshal := json.Marshal(ev)
	if errMarshal != nil {
		return "", fmt.Errorf("realtime: encode event: %w", errMarshal)
	}
	return string(payload), nil
}

func decodeEvent(payload string) (Event, error) {
	var ev Event
	if errUnmarshal := json.Unmarshal([]byte(payload), &ev); errUnmarshal != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", errUnmarshal)
	}
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	if ev.SessionID == "" || kindBit(ev.Kind) == 0 {
		return Event{}, fmt.Errorf("realtime: malformed event %q", payload)
	}
	return ev, nil
}
