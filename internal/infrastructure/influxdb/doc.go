// Package influxdb provides time-series telemetry export for the relay.
//
// This package manages:
//   - Connection to an InfluxDB v2 server with token authentication
//   - Non-blocking batched writes of endpoint activity counters
//   - Health monitoring via ping
//
// Telemetry is strictly optional. When disabled in configuration, Connect
// returns ErrDisabled and the daemon runs without a time-series sink; the
// stats updater simply skips the export step.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteEndpointDelta("ep-01", 2, 2, 15)
package influxdb
