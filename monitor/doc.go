// Package monitor serves an operator view of a JFlux node over HTTP.
//
// Endpoints:
//
//	GET /services              registrations as JSON, optional ?filter=<LDAP>
//	GET /health                aggregated health of watched services and chains
//	GET /ws/events             WebSocket stream of registry events
//
// Each WebSocket client has a bounded outbound queue. A client that cannot
// keep up loses its oldest undelivered events rather than slowing the
// registry; losses are counted in jflux_monitor_events_dropped_total.
//
// Event frames are JSON text messages:
//
//	{"type":"registered","reference":{...},"timestamp":"2025-01-02T15:04:05Z"}
package monitor
