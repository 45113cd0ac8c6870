// Package dispatch issues commands against registry records and correlates
// the asynchronous results.
//
// # Correlation
//
// Every dispatched command gets a fresh UUID correlation id and a buffered
// result channel registered in the target record's pending table before the
// frame is sent. The session's receive goroutine resolves the channel when a
// matching command_result arrives; nothing ever blocks on delivery.
//
// # Waiting
//
// SendAndAwait registers all sinks up front, then waits on every target in
// parallel against one shared deadline. Targets that never answer produce a
// synthetic no_response result and their pending entries are pruned, so a
// late reply is logged and dropped rather than leaked.
package dispatch
