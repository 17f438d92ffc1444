// Package backend models upstream TCP servers. A Backend is resolved once at
// startup and tracks how many relayed connections are currently open to it.
package backend
