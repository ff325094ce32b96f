// Package gateway provides an in-process connection registry, channel router,
// and message pipeline for a multi-instance Server-Sent Events (SSE) fanout
// service. It accepts browser clients over one long-lived HTTP connection per
// client, ingests messages from pluggable backend sources (Redis Pub/Sub, GCP
// Pub/Sub, direct HTTP push), routes each message to the connections
// subscribed to its channel, and replays missed messages on reconnect via a
// pluggable storage backend.
//
// Delivery is at-most-once per connection: a slow client has its mailbox
// drained from the oldest entry rather than stalling the router. Cross
// instance routing is achieved by pairing this package with the coordinator
// subpackage, which maintains a channel→instance registry so publishers can
// target the instance actually holding a connection.
package gateway
