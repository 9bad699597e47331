// Package hub implements the connection registry using the actor pattern.
//
// A single goroutine owns the set of registered agents and applies
// register/unregister/broadcast commands from a command channel (no
// mutexes). Each agent runs a read pump and a write pump around one
// WebSocket connection. Fan-out uses a non-blocking enqueue per agent, so
// a slow client is evicted instead of stalling everyone else.
package hub
