// Package logger builds the process-wide slog.Logger: a text handler for dev
// and staging, JSON for prod, with the level taken from configuration.
package logger
