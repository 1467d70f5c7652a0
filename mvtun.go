// Package mvtun implements a point-to-multipoint virtual network tunnel over UDP.
//
// IP packets read from a TUN interface are wrapped in a small framed header
// and optionally encrypted with AES-CBC, using a key derived from a shared passphrase.
// A server serves any number of clients, each tracked by a session keyed by its
// UDP address. Echo messages keep sessions alive and tell each side the other's
// tunnel addresses. Route advertisements let peers announce the networks behind them.
//
// Clients may rotate through several remotes, rebind their socket on reconnect,
// and find servers behind NAT through a WebSocket rendezvous server with STUN probing.
package mvtun
