// Package network runs the WiFi mode state machine: setup access point with
// captive portal, station join with bounded retries, and fallback.
package network

import (
	"fmt"
	"time"
)

// State is the network mode.
type State int

const (
	Unconfigured State = iota
	APMode
	Connecting
	Connected
)

var stateNames = [...]string{
	Unconfigured: "unconfigured",
	APMode:       "ap_mode",
	Connecting:   "connecting",
	Connected:    "connected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CaptivePortal reports whether the captive portal must be active in s.
func (s State) CaptivePortal() bool {
	return s == Unconfigured || s == APMode
}

// Snapshot is a read-only copy of the controller state.
type Snapshot struct {
	State       State     `json:"state"`
	SSID        string    `json:"ssid,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	IP          string    `json:"ip,omitempty"`
	Since       time.Time `json:"since"`
}

// JoinAttempt is the payload of events.EventJoinAttempt.
type JoinAttempt struct {
	SSID    string `json:"ssid"`
	Attempt int    `json:"attempt"`
	Err     string `json:"error,omitempty"`
}
