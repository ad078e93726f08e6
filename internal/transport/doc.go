// Package transport owns the UDP sockets used to talk to iTFS sensors.
//
// A single receive loop reads the shared data socket and demultiplexes
// inbound packets to subscribers; senders never touch the socket directly.
// Every wait on a subscription is bounded by the caller's context or timer,
// so no operation can block on the network indefinitely.
package transport
