// Package mqtt mirrors event bus traffic onto an MQTT broker so
// dashboards and home automation can follow a running task.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Each event is
// published as JSON to <base>/events/<source>/<kind>. A retained
// <base>/status topic tracks whether a task is running, and a will
// message flips <base>/availability to "offline" on unexpected
// disconnects.
package mqtt
