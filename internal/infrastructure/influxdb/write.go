package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteEndpointDelta writes one batch of endpoint activity counters.
//
// This is the primary method for recording relay telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - endpointID: The endpoint's internal identifier
//   - connectionDelta: Net change in live connections over the batch window
//   - connects: Number of connections opened in the window
//   - messages: Number of messages relayed in the window
//
// Example:
//
//	client.WriteEndpointDelta("ep-01", 40, 50, 120)
func (c *Client) WriteEndpointDelta(endpointID string, connectionDelta, connects, messages int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"endpoint_activity",
		map[string]string{
			"endpoint_id": endpointID,
		},
		map[string]interface{}{
			"connection_delta": connectionDelta,
			"connects":         connects,
			"messages":         messages,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteGauge writes a single named gauge value for the daemon.
//
// Used for process-level series such as total live connections.
//
// Parameters:
//   - name: The gauge name (e.g., "total_connections", "active_endpoints")
//   - value: The current value
func (c *Client) WriteGauge(name string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"relay_gauges",
		map[string]string{
			"gauge": name,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
