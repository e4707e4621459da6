// Package logging provides structured logging for the relay daemon.
//
// It wraps Go's standard log/slog package to provide consistent, structured
// logging across the application: JSON output for production, text for
// development, default service/version fields, and level-based filtering.
//
// Never log message payloads relayed on behalf of clients; log sizes and
// endpoint identifiers instead.
package logging
