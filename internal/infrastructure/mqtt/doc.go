// Package mqtt provides the MQTT publisher authcore uses to fan out access
// decisions and operational alerts to other services.
//
// Topics (prefix configurable, default "authcore"):
//
//	authcore/audit/allowed     every ALLOWED decision
//	authcore/audit/denied      every DENIED decision
//	authcore/system/alerts     audit-sink and revocation-store failures
//	authcore/system/status     retained online/offline status (with LWT)
//
// MQTT is optional and best effort: the primary audit store is SQLite, and a
// broker outage never affects request handling.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.PublishDefault(client.Topics().Alerts(), payload)
package mqtt
