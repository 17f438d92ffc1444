// Package server implements the relay engine: one or more epoll event loops
// that accept client connections, pick a backend for each of them through
// the routing history and pump bytes in both directions without blocking.
//
// A connection moves through accepted, awaiting-route, connecting, relaying
// and closed. Each loop owns the connections it accepted; the routing
// history and the buffer pool are the only state shared between loops.
package server
