// Package agent implements the outbound side of the fabric: one connection
// to the controller, maintained for the life of the process.
//
// # Lifecycle
//
//	Disconnected -> Connecting -> Registering -> Active
//	      ^                                        |
//	      +-------- fixed delay on any drop -------+
//
// Run drives the cycle in a flat loop; a reconnect is never a recursive call,
// so an unstable controller cannot grow the stack. Registration is
// fire-and-forget: the protocol has no ack, and the first inbound command or
// ping proves the link.
//
// # Serving
//
// Dispatched commands execute inline on the session's receive goroutine, so
// commands on one connection run strictly in arrival order. The executor
// tracks a working directory across commands and bounds each execution.
//
// # Command requests
//
// RequestCommand asks the controller to run a command on its own host and
// waits, bounded, for the command_response. Outstanding requests fail
// immediately when the session drops.
package agent
