// Package session owns a single framed connection: a receive loop on one
// goroutine, serialized sends from any goroutine, and exactly-once teardown.
//
// A read deadline expiring is not an error; it triggers the OnIdle probe,
// and any partially received frame stays buffered across the probe. Both the
// controller (one session per agent) and the agent (one outbound session)
// build on this package.
package session
