// Package relay implements the websocket relay core: the connection
// registry, the message router, session lifecycle management and the
// batched statistics updater.
//
// The registry tracks live connections grouped by endpoint and by user.
// The router fans inbound messages out to an endpoint's other
// connections, applying the endpoint's forwarding mode, and offers
// point-to-point delivery for control commands. The session manager owns
// each connection end to end, from endpoint validation through the
// read/write pumps to the idempotent teardown path driven by heartbeat
// probes. The stats updater batches connect, disconnect and message
// counters into periodic storage writes.
//
// Optional integrations hang off interfaces: EventPublisher feeds
// lifecycle events to an MQTT broker, Telemetry exports flushed stats
// deltas, MessageStore persists relayed payloads. All of them are
// best-effort; the relay never fails a delivery because a side channel
// did.
package relay
