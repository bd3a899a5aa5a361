// Package command multiplexes long-running device commands over one socket.
//
// Every command carries a correlation id. Inbound result frames are routed to
// the issuing caller by id and buffered in arrival order. Read-shaped
// commands are consumed as a ReadSequence; write-shaped commands are fed
// through a WriteSink that chunks, encodes and flow-controls the payload.
//
// Nothing in this package runs in the background. Idle timeouts and
// backpressure are evaluated when a caller waits for its next frame.
package command
