// Package signaling serves the chat WebSocket endpoint. It adapts each
// gorilla/websocket connection to relay.Transport and feeds inbound frames to
// the relay engine.
package signaling
