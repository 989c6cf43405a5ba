// Package config loads the gateway configuration from a YAML file, an
// optional .env file and SPGATE_* environment variables, and validates the
// result. It defines endpoints with their protocol, mode and routing table,
// the handler set, timeouts and the async backend.
package config
