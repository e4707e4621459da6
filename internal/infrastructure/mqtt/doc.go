// Package mqtt provides MQTT client connectivity for the relay daemon.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The relay uses MQTT as an outbound event feed: connection lifecycle and
// command outcome events are published so external systems can observe
// relay activity without polling the HTTP API.
//
//	Relay Daemon → MQTT Broker → Observers
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to the full event feed
//	err = client.Subscribe(mqtt.Topics{}.AllEvents(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish an event
//	topic := mqtt.Topics{}.Event("connection", "opened")
//	client.Publish(topic, []byte(`{"endpointId":"ep1"}`), 1, false)
package mqtt
