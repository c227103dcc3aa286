// Package mqtt mirrors co-pilot activity to an MQTT broker so other
// systems can follow conversations without polling the HTTP API.
//
// Every appended turn is published as JSON to
// <prefix>/sessions/<id>/turns, turn failures to
// <prefix>/sessions/<id>/errors and session closure to
// <prefix>/sessions/<id>/status. A retained summary with uptime,
// version and today's token totals is refreshed periodically on
// <prefix>/status.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A will message
// ensures <prefix>/availability transitions to "offline" on unexpected
// disconnects; "online" is published on every (re-)connect.
package mqtt
