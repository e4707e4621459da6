// Package endpoint defines relay endpoints and their persistence.
//
// An endpoint is a named relay channel grouping live connections. Each
// carries a forwarding mode (DIRECT, JSON, CUSTOM_HEADER) that selects how
// relayed payloads are transformed, plus a statistics read model kept
// eventually consistent by the batched stats updater.
//
// Endpoint provisioning belongs to the external management layer; the relay
// core only reads records and applies stats deltas.
package endpoint
