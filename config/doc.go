// Package config handles loading and validation of the balancer configuration
// from YAML files and environment variables: listeners, event loop count,
// buffer pool sizing, routing table, sticky history and logging.
package config
