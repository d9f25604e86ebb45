package transport

import (
	"context"

	"github.com/meshplane/core/pkg/types"
)

// Dispatcher demultiplexes one Transport's inbound stream by message type so
// multiple subsystems (consensus's wire bridge, membership's heartbeats) can
// share the single QUIC-backed Transport contract without racing on Recv.
type Dispatcher struct {
	xport    *Transport
	handlers map[types.MessageType]func(types.NodeId, *types.TransportMessage)
}

// NewDispatcher wraps xport with no handlers registered. Unregistered
// message types are dropped silently, continuing the receive loop rather
// than treating an unrecognized type as an error.
func NewDispatcher(xport *Transport) *Dispatcher {
	return &Dispatcher{
		xport:    xport,
		handlers: make(map[types.MessageType]func(types.NodeId, *types.TransportMessage)),
	}
}

// Register binds handler as the receiver for every inbound message of type
// t. Call before Run; registering after Run has started races with the
// dispatch goroutine's map read.
func (d *Dispatcher) Register(t types.MessageType, handler func(types.NodeId, *types.TransportMessage)) {
	d.handlers[t] = handler
}

// Run starts the dispatch loop in the background until ctx is cancelled or
// the underlying transport shuts down.
func (d *Dispatcher) Run(ctx context.Context) {
	go func() {
		for {
			from, msg, err := d.xport.Recv(ctx)
			if err != nil {
				return
			}
			if h, ok := d.handlers[msg.Type]; ok {
				h(from, msg)
			}
		}
	}()
}
