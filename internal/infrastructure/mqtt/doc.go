// Package mqtt provides MQTT client connectivity for the Fennec daemon.
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
// The daemon itself never talks MQTT directly; internal/bridge sits on
// top of this client and mirrors daemon state onto retained topics so
// bench dashboards and automation can observe the workbench without
// polling the REST API.
//
//	fennecd → MQTT Broker → dashboards, automation
//
// # Security Considerations
//
//   - TLS is required off-bench (cfg.Broker.TLS=true)
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
//	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
//
//	// Observe remote commands
//	err = client.Subscribe(topics.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s", topic)
//	        return nil
//	    })
//
//	// Publish a retained state snapshot
//	client.PublishRetained(topics.State(), payload)
package mqtt
