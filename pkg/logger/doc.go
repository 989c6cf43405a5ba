// Package logger builds the gateway's structured slog logger: JSON in
// production, text elsewhere, with a configurable minimum level.
package logger
