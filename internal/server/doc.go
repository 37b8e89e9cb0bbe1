// Package server implements the HTTP API of the coaching service.
// It mounts the capture agent WebSocket endpoint, session start/stop
// endpoints and monitoring endpoints (health, stats, Prometheus metrics).
package server
