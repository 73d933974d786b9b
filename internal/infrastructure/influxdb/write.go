package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementCommand is the measurement command points are written to.
const MeasurementCommand = "command"

// Command is one dispatched command as seen by telemetry.
type Command struct {
	ObjectID    uint32
	ActionnerID uint32
	Protocol    string
	Outcome     string
	Attempts    int
	Duration    time.Duration
	At          time.Time
}

// commandPoint builds the point for cmd. Ids are tags: the registry is
// small and append-only, so their cardinality is bounded.
func commandPoint(site string, cmd Command) *write.Point {
	tags := map[string]string{
		"object_id": strconv.FormatUint(uint64(cmd.ObjectID), 10),
		"outcome":   cmd.Outcome,
	}
	if cmd.Protocol != "" {
		tags["protocol"] = cmd.Protocol
		tags["actionner_id"] = strconv.FormatUint(uint64(cmd.ActionnerID), 10)
	}
	if site != "" {
		tags["site"] = site
	}

	at := cmd.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		MeasurementCommand,
		tags,
		map[string]interface{}{
			"duration_ms": float64(cmd.Duration.Microseconds()) / 1000,
			"attempts":    cmd.Attempts,
		},
		at,
	)
}

// WriteCommand queues a command point. The write is non-blocking.
func (c *Client) WriteCommand(cmd Command) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(c.site, cmd))
}

// WritePoint queues a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
