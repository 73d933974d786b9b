// Package mqtt provides MQTT client connectivity for homegate.
//
// The same client serves two roles:
//   - the gateway event bus, publishing registration and command events
//     under {prefix}/event/{type}
//   - the connection underneath the mqtt protocol driver, which publishes
//     commands to {prefix}/command/{target} and collects replies on
//     {prefix}/reply/{client_id}
//
// Connections auto-reconnect with backoff, restore their subscriptions and
// keep a retained {prefix}/status topic (with a Last Will for crashes).
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().Event("command_completed"), evt)
package mqtt
