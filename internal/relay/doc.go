// Package relay is the chat relay core: it admits authenticated connections,
// pairs them into two-party rooms, and fans chat and WebRTC signaling frames
// out to room members.
//
// The package is transport-agnostic. Callers supply a Transport per
// connection; internal/signaling provides the WebSocket one.
package relay
