// Package mqtt bridges the event bus to an MQTT broker so other systems
// can follow CRM changes. Each user's contact events are published to
// <prefix>/users/<id>/contacts and reminder deliveries to
// <prefix>/users/<id>/reminders.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. A retained will message on
// <prefix>/status flips to "offline" on unexpected disconnects; every
// (re-)connect publishes "online".
package mqtt
