// Package httpserver runs the admin HTTP endpoint that exposes metrics and
// health alongside the relay loops.
package httpserver
