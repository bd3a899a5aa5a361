// Package session owns the connection-level defaults shared by the bridge.
//
// Ownership boundary:
// - timeouts for dial, bootstrap, describe and command idle windows
// - chunking and flow-control defaults for the command protocol
// - reconnect backoff used by supervisors outside the bridge
package session
