// Package registry is the authoritative source of configured backends.
//
// Backends are grouped under routing keys (a virtual host name or a listener
// address). The registry also carries the listener list and buffer pool
// sizing so that a single immutable snapshot can be handed to every event
// loop at startup.
package registry
