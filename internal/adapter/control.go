package adapter

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ControlInterface is a dedicated socket connection/endpoint pair used
// exclusively for probe control packets, decoupled from the bulk data
// fabric. Control connections never participate in the endpoint manager
// rendezvous; their poll cycle runs from creation until Destroy.
type ControlInterface struct {
	conn *Connection
	ep   *Endpoint
}

// ControlInterfaceConfig configures one direction of the control channel.
type ControlInterfaceConfig struct {
	Adapter *SocketAdapter
	// MessageFunc receives control packets (receive side) and send
	// completions (transmit side).
	MessageFunc MessageFunc
	// RemoteIP is the destination for the transmit side; empty on the
	// receive side, which binds Port locally.
	RemoteIP     string
	Port         int
	PollThreadID int
	Log          zerolog.Logger
}

// NewControlInterface opens the control channel in the given direction.
func NewControlInterface(cfg ControlInterfaceConfig, dir Direction, reg *PollerRegistry) (*ControlInterface, error) {
	conn, err := NewConnection(ConnectionConfig{
		Adapter:      cfg.Adapter,
		Direction:    dir,
		DataType:     DataTypeControl,
		Port:         cfg.Port,
		PollThreadID: cfg.PollThreadID,
		Log:          cfg.Log,
	}, reg)
	if err != nil {
		return nil, fmt.Errorf("control connection: %w", err)
	}

	ep, err := conn.OpenEndpoint(EndpointConfig{
		MessageFunc: cfg.MessageFunc,
		RemoteAddr:  cfg.RemoteIP,
		Port:        cfg.Port,
	})
	if err != nil {
		_ = conn.Destroy()
		return nil, fmt.Errorf("control endpoint: %w", err)
	}

	// Control traffic flows before any endpoint start choreography.
	conn.startSignal.Set()

	return &ControlInterface{conn: conn, ep: ep}, nil
}

// Endpoint returns the control channel's adapter endpoint.
func (ci *ControlInterface) Endpoint() *Endpoint { return ci.ep }

// Connection returns the underlying adapter connection.
func (ci *ControlInterface) Connection() *Connection { return ci.conn }

// Port returns the bound local port of the control endpoint.
func (ci *ControlInterface) Port() (int, error) { return ci.ep.Port() }

// Destroy stops polling before closing the endpoint so the poll cycle never
// touches freed state.
func (ci *ControlInterface) Destroy() error {
	ci.conn.Stop()
	err := ci.ep.Close()
	if derr := ci.conn.Destroy(); err == nil {
		err = derr
	}
	return err
}
