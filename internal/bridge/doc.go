// Package bridge connects a control surface to one device over one socket.
//
// A Bridge owns the socket lifecycle and the single dispatch loop. Every
// inbound message is classified once and routed to exactly one of the
// command channel or the mirror synchronizer; nothing on the loop waits on a
// consumer. A Bridge is an ordinary value: construct as many as needed.
package bridge
