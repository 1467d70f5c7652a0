// Package rendezvous implements the address registry used for UDP hole punching.
//
// Peers connect to a rendezvous server over WebSocket, register their identifier with the
// reflexive address of their tunnel socket, and resolve the identifiers of their peers.
// The server pushes a notification to resolvers whenever a registered address changes.
package rendezvous

import (
	"context"
	"errors"
	"net/netip"
)

// MessageType identifies the kind of rendezvous message.
type MessageType string

const (
	MsgTypeRegister   MessageType = "register"
	MsgTypeRegistered MessageType = "registered"
	MsgTypeResolve    MessageType = "resolve"
	MsgTypeResolved   MessageType = "resolved"
	MsgTypeChanged    MessageType = "changed"
	MsgTypeError      MessageType = "error"
)

// Message is the JSON structure exchanged over the WebSocket.
//
// Requests carry a non-zero Seq, which the reply echoes. Pushed notifications have a zero Seq.
type Message struct {
	Type  MessageType    `json:"type"`
	Seq   uint64         `json:"seq,omitempty"`
	ID    string         `json:"id,omitempty"`
	Addr  netip.AddrPort `json:"addr,omitzero"`
	Error string         `json:"error,omitempty"`
}

// Change is a notification that the address registered under ID changed.
type Change struct {
	ID   string
	Addr netip.AddrPort
}

var (
	ErrClosed   = errors.New("rendezvous client closed")
	ErrNotFound = errors.New("peer not registered")
)

// Resolver registers local identifiers and resolves remote ones.
type Resolver interface {
	// Register registers id at addr. Registering again updates the address.
	Register(ctx context.Context, id string, addr netip.AddrPort) error

	// Resolve returns the address registered under id, and subscribes to its changes.
	Resolve(ctx context.Context, id string) (netip.AddrPort, error)

	// Changes returns the channel of address change notifications.
	// The channel is closed when the resolver is closed or its connection is lost.
	Changes() <-chan Change

	// Close closes the resolver.
	Close() error
}
