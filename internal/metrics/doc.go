// Package metrics defines the Prometheus collectors of the coaching service.
package metrics
