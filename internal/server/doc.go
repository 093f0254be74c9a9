// Package server implements the WebSocket and HTTP surface of the chat relay.
//
// The Hub is the connection lifecycle manager: it authenticates each upgraded
// connection, registers it, replays history and the offline backlog, and
// announces joins and departures. Each Client runs one read pump and one
// write pump; the write pump is the only goroutine that writes to its socket.
// Routing of decoded frames is delegated to the relay engine.
package server
