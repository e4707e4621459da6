// Package message stores relayed-message history.
//
// Writes happen fire-and-forget from the router's broadcast path; a failed
// write is logged and never blocks or fails message delivery.
package message
