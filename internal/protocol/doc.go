// Package protocol defines the wire format spoken between the controller and
// its agents.
//
// # Framing
//
// Every message is one line: a JSON object followed by a single '\n'. Frames
// are accumulated with FrameReader, which tolerates read timeouts mid-frame:
//
//	reader := protocol.NewFrameReader(conn, 0)
//	frame, err := reader.Next() // frame has no trailing newline
//
// A frame that exceeds the size limit without a delimiter is fatal
// (ErrFrameTooLarge); there is no way to resynchronize a newline-delimited
// stream once the delimiter is lost.
//
// # Messages
//
// Message is the single frame unit, tagged by Type:
//
//   - registration: agent -> controller, carries SystemInfo and an optional token
//   - command / command_result: controller-dispatched execution
//   - command_request / command_response: agent-requested execution on the controller
//   - ping / pong: liveness, either direction
//   - chat: relayed text
//
// # Decode errors
//
// Decode rejects invalid UTF-8, malformed JSON, a missing type field, and
// unknown types. All of these are per-message errors: the session drops the
// frame and keeps reading. Only framing violations terminate a connection.
//
// # Results
//
// A non-zero exit code is still StatusSuccess: the command ran to completion.
// StatusError means the command never completed (spawn failure or timeout).
// StatusNoResponse is synthesized locally for dispatch timeouts and never
// appears on the wire.
package protocol
