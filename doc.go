// Package whirl implements the node runtime for a message-passing
// distributed-systems test harness.
//
// Each process is one node in a cluster. The harness starts one process per
// node, routes newline-delimited JSON messages between them on their standard
// streams, and injects client requests, possibly delaying, dropping, or
// reordering messages along the way.
//
// # Nodes
//
// The core type defined by this package is the [Node]. A node merges three
// input sources into one ordered delivery stream: inbound requests, inbound
// responses, and events injected by background producers. The stream is
// drained by a single loop that dispatches to a [Handler], so handler state
// never needs locking.
//
// To run a node, construct it and call Run with a channel and a bind
// function:
//
//	n := whirl.New(logger)
//	err := n.Run(channel.Line(os.Stdin, os.Stdout), func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
//	    return newHandler(n, init), nil
//	})
//
// Run performs the init handshake, replies init_ok, constructs the handler,
// and blocks until the channel closes or a protocol fatal error occurs.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive messages.
// A Channel implementation must allow concurrent use by one sender and one
// receiver. The channel package provides a JSON-lines implementation for the
// standard streams and an in-memory pair for testing.
//
// # Sends and calls
//
// Handlers emit messages with [Node.Send], which assigns a fresh correlation
// ID and writes the message atomically. [Node.Call] additionally blocks until
// the matching response arrives; responses to pending calls are settled by
// the reader, so a handler may call a collaborator service (such as the
// seq-kv store) without stalling inbound processing.
//
// # Background producers
//
// [Node.Ticker] starts a producer that injects an event at a fixed cadence.
// Producers only ever enqueue into the delivery stream; they never touch
// handler state. This is the boundary that keeps protocol logic sequential.
package whirl
