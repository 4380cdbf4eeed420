package influxdb

import (
	"context"
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RecordControlState writes one observed control value to InfluxDB.
//
// This is the primary method for recording receiver telemetry. Each decoded
// line from the receiver becomes one point in the avr_control measurement,
// tagged by control identifier. The write is non-blocking; data is batched
// and sent asynchronously.
//
// Values map to typed fields so queries can aggregate without casts:
//   - bool  -> "on" field
//   - int   -> "value" field (as float for InfluxDB schema stability)
//   - string-> "state" field
//
// Parameters:
//   - ctx: Unused by the non-blocking write path, accepted for interface compatibility
//   - control: Control identifier (e.g., "master_volume")
//   - value: Decoded control value (bool, int, or string)
//   - observed: When the value was observed on the wire
//
// Returns:
//   - error: ErrNotConnected if the client is closed, nil otherwise
func (c *Client) RecordControlState(_ context.Context, control string, value any, observed time.Time) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	fields := map[string]interface{}{}
	switch v := value.(type) {
	case bool:
		fields["on"] = v
	case int:
		fields["value"] = float64(v)
	case float64:
		fields["value"] = v
	case string:
		fields["state"] = v
	default:
		fields["state"] = fmt.Sprintf("%v", v)
	}

	point := write.NewPoint(
		"avr_control",
		map[string]string{
			"control": control,
		},
		fields,
		observed,
	)

	c.writeAPI.WritePoint(point)
	return nil
}

// WriteBridgeStats writes a snapshot of session counters.
//
// Called alongside health publication so broker outages do not lose the
// bridge's traffic history.
//
// Parameters:
//   - bridgeID: Bridge instance identifier
//   - linesRx: Total lines received from the receiver
//   - commandsTx: Total commands transmitted
//   - unmatchedLines: Lines that matched no control descriptor
//   - decodeErrors: Lines that matched but failed value decoding
func (c *Client) WriteBridgeStats(bridgeID string, linesRx, commandsTx, unmatchedLines, decodeErrors uint64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"bridge_stats",
		map[string]string{
			"bridge": bridgeID,
		},
		map[string]interface{}{
			"lines_rx":        float64(linesRx),
			"commands_tx":     float64(commandsTx),
			"unmatched_lines": float64(unmatchedLines),
			"decode_errors":   float64(decodeErrors),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "bridge-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
