// Package registry is the controller's directory of active agents.
//
// # Records
//
// Each registered agent is a Record: its session, system snapshot, liveness
// timestamp, and a pending table mapping correlation ids to result channels:
//
//	pending map[string]chan *protocol.Result
//
// The pending table is guarded by the record's own lock. The registry-wide
// lock covers only map mutation and is never held while sending on a session,
// so one slow agent cannot stall the rest.
//
// # Replacement
//
// Registering an id that is already present replaces the old record: the
// previous session is closed and its pending commands fail with a synthetic
// disconnection error. Last registered wins.
//
// Unregister matches by session identity, not id, so the teardown of an
// already-replaced session cannot evict its successor.
//
// # Lookup
//
// Find resolves an exact id first, then a unique prefix. An ambiguous prefix
// is an error rather than an arbitrary pick.
package registry
