// Package influxdb writes command telemetry to InfluxDB v2.
//
// Every dispatched command becomes one point in the "command" measurement:
//
//	command,site=home,protocol=zwave,actionner_id=1,object_id=1,outcome=ok duration_ms=4.2,attempts=1i
//
// Writes go through the client library's batching write API and never
// block the caller; write failures are reported through SetOnError.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package influxdb
