package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/kaspactl/internal/protocol/wire"
)

var (
	ErrClientDisconnected = errors.New("client: disconnected")
	ErrClientClosed       = errors.New("client: closed")
	ErrNoSuchSubscription = errors.New("client: no such subscription")
	ErrNoCandidate        = errors.New("client: no candidate found")
	ErrUnknownNetwork     = errors.New("client: unknown network")

	// errSuperseded means another caller already replaced the failed channel.
	errSuperseded = errors.New("client: connection already replaced")
)

// State is the lifecycle of the client's current logical connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

var defaultPorts = map[wire.Service]map[string]int{
	wire.ServiceRPC: {NetworkMainnet: 16110, NetworkTestnet: 16210},
	wire.ServiceP2P: {NetworkMainnet: 16111, NetworkTestnet: 16211},
}

// DefaultPort returns the node port serving role on network. Numbered
// testnets such as "testnet-11" share the testnet port.
func DefaultPort(role wire.Service, network string) (int, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if strings.HasPrefix(network, NetworkTestnet) {
		network = NetworkTestnet
	}
	ports, ok := defaultPorts[role]
	if !ok {
		return 0, fmt.Errorf("%w: role %s", ErrUnknownNetwork, role)
	}
	port, ok := ports[network]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	return port, nil
}
