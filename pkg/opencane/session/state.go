// Package session implements the Session Manager (C4): per-(device_id,
// session_id) state, seq tracking, and the outbound seq allocator.
package session

import (
	"encoding/json"
	"fmt"
)

// State is the session's lifecycle state (spec §3).
type State int

const (
	StateAuthed State = iota
	StateReady
	StateListening
	StateThinking
	StateSpeaking
	StateInterrupted
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateAuthed:
		return "AUTHED"
	case StateReady:
		return "READY"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// ParseState parses the wire representation of State.
func ParseState(s string) (State, error) {
	switch s {
	case "AUTHED":
		return StateAuthed, nil
	case "READY":
		return StateReady, nil
	case "LISTENING":
		return StateListening, nil
	case "THINKING":
		return StateThinking, nil
	case "SPEAKING":
		return StateSpeaking, nil
	case "INTERRUPTED":
		return StateInterrupted, nil
	case "CLOSING":
		return StateClosing, nil
	default:
		return 0, fmt.Errorf("session: unknown state %q", s)
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsVoiceActive reports whether exactly one of LISTENING/THINKING/SPEAKING
// is the current state, per the invariant in spec §3.
func (s State) IsVoiceActive() bool {
	switch s {
	case StateListening, StateThinking, StateSpeaking:
		return true
	}
	return false
}
