// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package pool

import (
	"github.com/goethminer/goethminer/ethcore"
)

// EventKind enumerates the notifications a client delivers to the manager.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventWorkReceived
	EventSolutionAccepted
	EventSolutionRejected
)

// ClientEvent is one notification on a client's event stream. The stream is
// consumed by a single manager goroutine, which keeps all transitions
// serialized.
type ClientEvent struct {
	Kind  EventKind
	Work  ethcore.WorkPackage // EventWorkReceived
	Stale bool                // EventSolutionAccepted / EventSolutionRejected
}

// Client is the transport capability the manager drives. Implementations
// must be connection oriented and report a pending state during both connect
// and disconnect so the manager does not re-enter mid-transition.
//
// Events must be delivered on the channel returned by Events and must never
// block the transport: the manager drains it promptly but the channel should
// still be buffered.
type Client interface {
	// SetConnection points the client at an endpoint. Only valid while
	// disconnected.
	SetConnection(conn *Connection)

	// UnsetConnection detaches the client from its endpoint, used when the
	// endpoint is evicted from the rotation.
	UnsetConnection()

	Connect()
	Disconnect()

	Connected() bool
	PendingState() bool

	// ActiveEndpoint returns the resolved remote address, for logging.
	ActiveEndpoint() string

	// SubmitSolution sends a found solution upstream. Callable from any
	// goroutine.
	SubmitSolution(sol ethcore.Solution)

	// SubmitHashrate reports the farm hashrate as a 0x-prefixed 32-byte
	// big-endian hex word.
	SubmitHashrate(rate string)

	Events() <-chan ClientEvent
}
