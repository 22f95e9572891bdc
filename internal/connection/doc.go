// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one transport connection at a time for a single logical session
//   - Gates every (re)connect attempt on a fresh credential validation
//   - Reconnects with exponential backoff and gives up after MaxAttempts
//   - Buffers outbound events while disconnected and flushes them in order
//     on the next successful connect
//   - Re-attaches domain event handlers to every new connection
//
// State machine:
//
//	Idle → Validating → Connecting → Connected
//	                ↘ Closed      ↘ Reconnecting → Validating
//
// Closed is terminal. A new session needs a new Manager.
package connection
