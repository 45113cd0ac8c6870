// Package controller composes the serving side: the TCP/TLS listener, one
// session per agent, frame routing, registration policy, and the dispatch,
// health, inventory, and metrics wiring.
//
// All routing runs on the session's receive goroutine; anything that can
// block for long (command_request execution, inventory writes) is pushed off
// it. Stop closes the listener and every open session, registered or not,
// then drains all goroutines.
package controller
