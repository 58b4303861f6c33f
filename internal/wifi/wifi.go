// Package wifi defines the network stack collaborator used by the network
// mode controller, with a NetworkManager backend and a simulated one.
package wifi

import (
	"context"
	"errors"
	"net/netip"
)

// Credentials identify a station-mode network.
type Credentials struct {
	SSID     string
	Password string
}

// APConfig describes the setup access point.
type APConfig struct {
	SSID           string
	Password       string
	IP             netip.Addr
	MaxConnections int
}

// Default setup access point parameters.
const (
	DefaultAPSSID           = "esp-clock"
	DefaultAPPassword       = "bttf-rust"
	DefaultAPMaxConnections = 4
)

// DefaultAPIP is the gateway address clients see while in setup mode.
var DefaultAPIP = netip.MustParseAddr("192.168.71.1")

// EventType classifies stack notifications.
type EventType string

const (
	EventDisconnected EventType = "disconnected"
)

// Event is an unsolicited notification from the stack.
type Event struct {
	Type   EventType
	Reason string
}

var (
	ErrJoinTimeout     = errors.New("wifi: join timed out")
	ErrAuthFailed      = errors.New("wifi: authentication failed")
	ErrNetworkNotFound = errors.New("wifi: network not found")
	ErrNoAddress       = errors.New("wifi: no IPv4 address obtained")
)

// Stack is the radio and IP stack. Join must return once ctx is done.
type Stack interface {
	StartAP(ctx context.Context, cfg APConfig) error
	Join(ctx context.Context, creds Credentials) (netip.Addr, error)
	Disconnect(ctx context.Context) error
	Events() <-chan Event
	Close() error
}
