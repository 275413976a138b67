// Package signaling is the real-time surface of the meeting server: the
// create/validate HTTP API and the WebSocket endpoint that joins connections
// to rooms and relays WebRTC offers, answers and ICE candidates between them.
//
// Media never passes through the server. Browsers exchange session
// descriptions through the relay and then connect peer-to-peer.
package signaling
