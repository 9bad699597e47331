// Package server exposes the hub over HTTP: the /ws upgrade endpoint,
// health probes, Prometheus metrics, and a small stats API. Connection
// and rate limits are enforced before a connection is handed to the hub.
package server
