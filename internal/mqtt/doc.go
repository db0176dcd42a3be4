// Package mqtt publishes capability-server status to an MQTT broker.
//
// Each configured server gets a retained JSON state document under
// <topic_prefix>/<device_name>/servers/<server>/state, refreshed on every
// session transition and on a fixed interval. A summary document and an
// availability topic ("online", with an "offline" will message) sit
// beside them. Optionally the publisher emits Home Assistant discovery
// payloads so each server appears as a sensor, and listens on
// <topic_prefix>/<device_name>/command/restart for restart requests.
//
// Connection management is Eclipse Paho v2's [autopaho], which
// reconnects automatically; everything retained is republished on
// every (re-)connect.
package mqtt
